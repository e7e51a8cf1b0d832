package fanout

import "sync/atomic"

// Stats is a read-only snapshot of the engine's diagnostic counters. The
// counters are monotonic and reset only on explicit operator request; they are
// never consulted for control-flow decisions.
type Stats struct {
	DeadConnectionsRemoved  uint64 `json:"dead_connections_removed"`
	StaleConnectionsRemoved uint64 `json:"stale_connections_removed"`
	HealthChecksPassed      uint64 `json:"health_checks_passed"`
	HealthChecksFailed      uint64 `json:"health_checks_failed"`
	BackendErrors           uint64 `json:"backend_errors"`
	CleanupRuns             uint64 `json:"cleanup_runs"`
}

type statCounters struct {
	deadRemoved   atomic.Uint64
	staleRemoved  atomic.Uint64
	healthPassed  atomic.Uint64
	healthFailed  atomic.Uint64
	backendErrors atomic.Uint64
	cleanupRuns   atomic.Uint64
}

func (s *statCounters) snapshot() Stats {
	return Stats{
		DeadConnectionsRemoved:  s.deadRemoved.Load(),
		StaleConnectionsRemoved: s.staleRemoved.Load(),
		HealthChecksPassed:      s.healthPassed.Load(),
		HealthChecksFailed:      s.healthFailed.Load(),
		BackendErrors:           s.backendErrors.Load(),
		CleanupRuns:             s.cleanupRuns.Load(),
	}
}

func (s *statCounters) reset() {
	s.deadRemoved.Store(0)
	s.staleRemoved.Store(0)
	s.healthPassed.Store(0)
	s.healthFailed.Store(0)
	s.backendErrors.Store(0)
	s.cleanupRuns.Store(0)
}
