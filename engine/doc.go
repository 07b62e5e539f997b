// Package engine assembles the storage subsystems behind one facade.
// It is the surface an execution framework integrates against: job
// creation and lifecycle, the fetch protocol, distributed locks, the
// server registry, keyed collections, write batches, and monitoring
// projections, all over a single document gateway.
package engine
