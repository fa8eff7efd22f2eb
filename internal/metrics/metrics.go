// Package metrics defines the Prometheus collectors the storage core
// registers when a caller supplies a real prometheus.Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// BufferPoolMetrics tracks cache effectiveness and write-back activity for
// one BufferPoolManager instance.
type BufferPoolMetrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Flushes   prometheus.Counter
	OOM       prometheus.Counter
}

// NewBufferPoolMetrics builds and registers a BufferPoolMetrics against reg.
// A nil reg yields collectors that are never registered anywhere (still
// safe to increment) so callers that don't care about metrics can pass nil.
func NewBufferPoolMetrics(reg prometheus.Registerer) *BufferPoolMetrics {
	m := &BufferPoolMetrics{
		Hits:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "buffer_pool", Name: "hits_total", Help: "Page fetches served from a resident frame."}),
		Misses:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "buffer_pool", Name: "misses_total", Help: "Page fetches that required a disk read."}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "buffer_pool", Name: "evictions_total", Help: "Frames reclaimed via the LRU-K replacer."}),
		Flushes:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "buffer_pool", Name: "flushes_total", Help: "Dirty pages written back to disk."}),
		OOM:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "buffer_pool", Name: "out_of_memory_total", Help: "NewPage/FetchPage calls that failed with no evictable frame."}),
	}

	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.Flushes, m.OOM)
	}
	return m
}

// LockManagerMetrics tracks contention in the two-phase-locking lock table.
type LockManagerMetrics struct {
	WaitsTotal      prometheus.Counter
	AbortsTotal     *prometheus.CounterVec
	DeadlocksFound  prometheus.Counter
}

// NewLockManagerMetrics builds and registers a LockManagerMetrics against
// reg, or returns unregistered collectors if reg is nil.
func NewLockManagerMetrics(reg prometheus.Registerer) *LockManagerMetrics {
	m := &LockManagerMetrics{
		WaitsTotal: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "lock_manager", Name: "waits_total", Help: "Lock requests that had to block on an incompatible grant."}),
		AbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "petro", Subsystem: "lock_manager", Name: "aborts_total", Help: "Transactions aborted by the lock manager, by reason."}, []string{"reason"}),
		DeadlocksFound: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "petro", Subsystem: "lock_manager", Name: "deadlocks_found_total", Help: "Cycles found by the periodic wait-for-graph scan."}),
	}

	if reg != nil {
		reg.MustRegister(m.WaitsTotal, m.AbortsTotal, m.DeadlocksFound)
	}
	return m
}
