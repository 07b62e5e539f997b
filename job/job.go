package job

import (
	"time"

	"github.com/xraph/quarry"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateCreated means the job document exists but is not yet queued.
	StateCreated State = "created"
	// StateEnqueued means the job is waiting in a queue partition.
	StateEnqueued State = "enqueued"
	// StateScheduled means the job is parked until a future run time.
	StateScheduled State = "scheduled"
	// StateProcessing means a worker has claimed the job.
	StateProcessing State = "processing"
	// StateSucceeded means the job finished successfully.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed terminally.
	StateFailed State = "failed"
	// StateDeleted means the job was removed without executing.
	StateDeleted State = "deleted"
)

// HistoryEntry is one record of the append-only transition history.
type HistoryEntry struct {
	State     State             `bson:"state" json:"state"`
	Reason    string            `bson:"reason,omitempty" json:"reason,omitempty"`
	CreatedAt time.Time         `bson:"created_at" json:"createdAt"`
	Data      map[string]string `bson:"data,omitempty" json:"data,omitempty"`
}

// Job is the persisted job document. The embedded entity's ID is the job
// id; its partition key is "job:{queue}".
type Job struct {
	quarry.Entity `bson:",inline"`

	QueueName  string            `bson:"queue_name" json:"queueName"`
	State      State             `bson:"state" json:"state"`
	StateData  map[string]string `bson:"state_data,omitempty" json:"stateData,omitempty"`
	History    []HistoryEntry    `bson:"state_history,omitempty" json:"stateHistory,omitempty"`
	Invocation Invocation        `bson:"invocation" json:"invocationData"`
	Parameters map[string]string `bson:"parameters,omitempty" json:"parameters,omitempty"`
	CreatedAt  time.Time         `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time         `bson:"updated_at" json:"updatedAt"`
}

// applyState pushes a new history entry and makes it the current state.
// History is append-only: entries are never rewritten or dropped here.
func (j *Job) applyState(state State, reason string, data map[string]string, at time.Time) {
	j.History = append(j.History, HistoryEntry{
		State:     state,
		Reason:    reason,
		CreatedAt: at,
		Data:      data,
	})
	j.State = state
	j.StateData = data
	j.UpdatedAt = at
}

// appendHistory records a historical entry without changing the current
// state, e.g. an observational annotation from the framework.
func (j *Job) appendHistory(entry HistoryEntry, at time.Time) {
	j.History = append(j.History, entry)
	j.UpdatedAt = at
}

// InState reports whether the job currently sits in any of the given
// states.
func (j *Job) InState(states ...State) bool {
	for _, s := range states {
		if j.State == s {
			return true
		}
	}
	return false
}
