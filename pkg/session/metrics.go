package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

type sessionMetrics struct {
	writes   *prometheus.CounterVec
	failures prometheus.Counter
}

func newSessionMetrics(reg prometheus.Registerer) (*sessionMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &sessionMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gormattach",
			Subsystem: "session",
			Name:      "writes_total",
			Help:      "Entities written by SaveChanges, by operation",
		}, []string{"op"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gormattach",
			Subsystem: "session",
			Name:      "save_failures_total",
			Help:      "SaveChanges calls whose transaction was rolled back",
		}),
	}
	if err := reg.Register(m.writes); err != nil {
		return nil, err
	}
	if err := reg.Register(m.failures); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *sessionMetrics) record(cs *ChangeSet) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues("insert").Add(float64(len(cs.Inserted)))
	m.writes.WithLabelValues("update").Add(float64(len(cs.Updated)))
	m.writes.WithLabelValues("delete").Add(float64(len(cs.Deleted)))
	m.writes.WithLabelValues("link").Add(float64(len(cs.Linked)))
}

func (m *sessionMetrics) recordFailure() {
	if m != nil {
		m.failures.Inc()
	}
}
