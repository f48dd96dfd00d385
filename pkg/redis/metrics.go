package redis

import (
	"sync/atomic"
	"time"
)

// Metrics tracks cache performance statistics
type Metrics struct {
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	cacheErrors atomic.Uint64
	codecErrors atomic.Uint64

	getOperations    atomic.Uint64
	setOperations    atomic.Uint64
	deleteOperations atomic.Uint64

	// nanoseconds
	totalGetLatency atomic.Uint64
	totalSetLatency atomic.Uint64

	invalidationCount atomic.Uint64
	dependencyCount   atomic.Uint64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordHit()   { m.cacheHits.Add(1) }
func (m *Metrics) recordMiss()  { m.cacheMisses.Add(1) }
func (m *Metrics) recordError() { m.cacheErrors.Add(1) }
func (m *Metrics) recordCodec() { m.codecErrors.Add(1) }

func (m *Metrics) recordGet(d time.Duration) {
	m.getOperations.Add(1)
	m.totalGetLatency.Add(uint64(d.Nanoseconds()))
}

func (m *Metrics) recordSet(d time.Duration) {
	m.setOperations.Add(1)
	m.totalSetLatency.Add(uint64(d.Nanoseconds()))
}

func (m *Metrics) recordDelete(keys int) {
	m.deleteOperations.Add(uint64(keys))
}

func (m *Metrics) recordInvalidation() { m.invalidationCount.Add(1) }
func (m *Metrics) recordDependency()   { m.dependencyCount.Add(1) }

// Snapshot returns a point-in-time copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	hits := m.cacheHits.Load()
	misses := m.cacheMisses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	snap := MetricsSnapshot{
		CacheHits:         hits,
		CacheMisses:       misses,
		CacheErrors:       m.cacheErrors.Load(),
		CodecErrors:       m.codecErrors.Load(),
		CacheHitRate:      hitRate,
		GetOperations:     m.getOperations.Load(),
		SetOperations:     m.setOperations.Load(),
		DeleteOperations:  m.deleteOperations.Load(),
		InvalidationCount: m.invalidationCount.Load(),
		DependencyCount:   m.dependencyCount.Load(),
	}
	if snap.GetOperations > 0 {
		snap.AvgGetLatency = time.Duration(m.totalGetLatency.Load() / snap.GetOperations)
	}
	if snap.SetOperations > 0 {
		snap.AvgSetLatency = time.Duration(m.totalSetLatency.Load() / snap.SetOperations)
	}
	return snap
}

// Reset resets all counters
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.cacheHits, &m.cacheMisses, &m.cacheErrors, &m.codecErrors,
		&m.getOperations, &m.setOperations, &m.deleteOperations,
		&m.totalGetLatency, &m.totalSetLatency,
		&m.invalidationCount, &m.dependencyCount,
	} {
		c.Store(0)
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	CacheHits    uint64
	CacheMisses  uint64
	CacheErrors  uint64
	CodecErrors  uint64
	CacheHitRate float64 // Percentage

	GetOperations    uint64
	SetOperations    uint64
	DeleteOperations uint64

	AvgGetLatency time.Duration
	AvgSetLatency time.Duration

	InvalidationCount uint64
	DependencyCount   uint64
}
