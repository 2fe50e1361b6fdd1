package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const poolMetricPrefix = "condz_db_pool_"

// poolCollector reads pgxpool statistics at scrape time.
type poolCollector struct {
	pool *pgxpool.Pool

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(poolMetricPrefix+name, help, nil, nil)
}

// RegisterPoolMetrics registers gauges that report live pgxpool connection
// statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool:     pool,
		acquired: poolDesc("acquired", "Number of currently acquired database connections."),
		idle:     poolDesc("idle", "Number of idle database connections in the pool."),
		total:    poolDesc("total", "Total number of database connections in the pool."),
		max:      poolDesc("max", "Maximum number of database connections allowed in the pool."),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{c.acquired, c.idle, c.total, c.max} {
		ch <- desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	gauge := func(desc *prometheus.Desc, value int32) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value))
	}

	gauge(c.acquired, stat.AcquiredConns())
	gauge(c.idle, stat.IdleConns())
	gauge(c.total, stat.TotalConns())
	gauge(c.max, stat.MaxConns())
}
