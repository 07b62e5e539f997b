// Package queue implements the fetch protocol: workers pull the oldest
// enqueued job from a prioritized list of queues and claim it with an
// etag-guarded transition to processing, so a job is handed to exactly
// one worker.
//
// A fetched job travels inside a Fetched handle. The worker either
// acknowledges it (done) or requeues it (give it back); closing the
// handle without deciding requeues, so worker crashes between fetch and
// completion do not strand jobs. The Reaper covers the remaining gap:
// claims older than a threshold are returned to their queue.
package queue
