package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the snapshot of connection pool statistics exported on every
// scrape.
type PoolStats struct {
	Acquired      int32
	Idle          int32
	Total         int32
	Max           int32
	Acquires      int64
	EmptyAcquires int64
	Canceled      int64
	AcquireWait   time.Duration
}

// PoolStatsOf reads live statistics from pool.
func PoolStatsOf(pool *pgxpool.Pool) func() PoolStats {
	return func() PoolStats {
		stat := pool.Stat()
		return PoolStats{
			Acquired:      stat.AcquiredConns(),
			Idle:          stat.IdleConns(),
			Total:         stat.TotalConns(),
			Max:           stat.MaxConns(),
			Acquires:      stat.AcquireCount(),
			EmptyAcquires: stat.EmptyAcquireCount(),
			Canceled:      stat.CanceledAcquireCount(),
			AcquireWait:   stat.AcquireDuration(),
		}
	}
}

type poolCollector struct {
	stats func() PoolStats

	connections   *prometheus.Desc
	acquires      *prometheus.Desc
	emptyAcquires *prometheus.Desc
	canceled      *prometheus.Desc
	acquireWait   *prometheus.Desc
}

// RegisterPoolMetrics exports pgxpool statistics from pool.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	RegisterPoolStats(reg, PoolStatsOf(pool))
}

// RegisterPoolStats exports the snapshot returned by stats. The decision
// invalidation listener holds one connection for as long as it runs, so
// acquired never drops below 1 on a healthy server and empty acquires show
// request traffic competing with it.
func RegisterPoolStats(reg prometheus.Registerer, stats func() PoolStats) {
	reg.MustRegister(&poolCollector{
		stats: stats,
		connections: prometheus.NewDesc(
			"decidez_db_pool_connections",
			"Database connections by state: acquired, idle, total and the configured max.",
			[]string{"state"}, nil,
		),
		acquires: prometheus.NewDesc(
			"decidez_db_pool_acquires_total",
			"Connections acquired from the pool.",
			nil, nil,
		),
		emptyAcquires: prometheus.NewDesc(
			"decidez_db_pool_empty_acquires_total",
			"Acquires that waited because every connection was in use.",
			nil, nil,
		),
		canceled: prometheus.NewDesc(
			"decidez_db_pool_canceled_acquires_total",
			"Acquires abandoned because the request context ended first.",
			nil, nil,
		),
		acquireWait: prometheus.NewDesc(
			"decidez_db_pool_acquire_wait_seconds_total",
			"Time spent waiting to acquire connections.",
			nil, nil,
		),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceled
	ch <- c.acquireWait
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	for state, v := range map[string]int32{"acquired": s.Acquired, "idle": s.Idle, "total": s.Total, "max": s.Max} {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(v), state)
	}
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.canceled, prometheus.CounterValue, float64(s.Canceled))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
