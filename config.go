package quarry

import "time"

// LayoutKind selects how document kinds map onto physical collections.
type LayoutKind string

const (
	// LayoutDedicated stores each document kind in its own collection.
	LayoutDedicated LayoutKind = "dedicated"
	// LayoutConsolidated groups kinds into a small fixed set of shared
	// collections, partitioned so same-key documents stay colocated.
	LayoutConsolidated LayoutKind = "consolidated"
)

// Config holds construction-time options for the storage engine.
// The zero value is not usable; start from DefaultConfig.
type Config struct {
	// Layout selects the physical collection layout.
	Layout LayoutKind

	// CollectionPrefix is prepended to every physical collection name.
	CollectionPrefix string

	// QueryPageSize is the page size for continuation-token queries.
	QueryPageSize int

	// JobExpiration is the default expiry applied to terminal jobs
	// when no explicit expire-in is given.
	JobExpiration time.Duration

	// LockTimeout is the default lease duration for distributed locks.
	LockTimeout time.Duration

	// ServerTimeout is how long a server may miss heartbeats before it
	// is considered dead and eligible for removal.
	ServerTimeout time.Duration

	// FetchTimeout is how long a claimed job may sit in processing
	// without being finalized before the reaper requeues it.
	FetchTimeout time.Duration

	// Breaker configures the circuit breaker around store calls.
	Breaker BreakerConfig
}

// BreakerConfig holds circuit-breaker thresholds and timeouts.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open
	// successes that closes the circuit again.
	SuccessThreshold int

	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration

	// CallTimeout bounds each individual store call.
	CallTimeout time.Duration

	// RetryAttempts bounds transparent retries of transient failures.
	RetryAttempts int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Layout:           LayoutDedicated,
		CollectionPrefix: "quarry_",
		QueryPageSize:    100,
		JobExpiration:    24 * time.Hour,
		LockTimeout:      1 * time.Minute,
		ServerTimeout:    5 * time.Minute,
		FetchTimeout:     15 * time.Minute,
		Breaker:          DefaultBreakerConfig(),
	}
}

// DefaultBreakerConfig returns breaker settings suitable for a store
// with single-digit-millisecond latency.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		CallTimeout:      10 * time.Second,
		RetryAttempts:    3,
	}
}
