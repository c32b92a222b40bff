package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type poolMetric[S any] struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(S) float64
}

func newPoolMetric[S any](name, help string, vt prometheus.ValueType, value func(S) float64) poolMetric[S] {
	return poolMetric[S]{
		desc:      prometheus.NewDesc(name, help, []string{"service"}, nil),
		valueType: vt,
		value:     value,
	}
}

// statsCollector exports one snapshot of connection pool statistics per scrape.
type statsCollector[S any] struct {
	service string
	snap    func() S
	metrics []poolMetric[S]
}

func (c *statsCollector[S]) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *statsCollector[S]) Collect(ch chan<- prometheus.Metric) {
	s := c.snap()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(s), c.service)
	}
}

// NewPostgresPoolCollector exports pgxpool statistics.
func NewPostgresPoolCollector(pool *pgxpool.Pool, service string) prometheus.Collector {
	return &statsCollector[*pgxpool.Stat]{
		service: service,
		snap:    pool.Stat,
		metrics: postgresPoolMetrics(),
	}
}

func postgresPoolMetrics() []poolMetric[*pgxpool.Stat] {
	g, c := prometheus.GaugeValue, prometheus.CounterValue
	return []poolMetric[*pgxpool.Stat]{
		newPoolMetric("db_pool_acquired_connections", "Currently acquired connections.", g,
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		newPoolMetric("db_pool_idle_connections", "Currently idle connections.", g,
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		newPoolMetric("db_pool_total_connections", "Connections in the pool.", g,
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		newPoolMetric("db_pool_max_connections", "Maximum pool size.", g,
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		newPoolMetric("db_pool_acquire_count_total", "Connection acquires.", c,
			func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
		newPoolMetric("db_pool_acquire_duration_seconds_total", "Time spent acquiring connections.", c,
			func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		newPoolMetric("db_pool_empty_acquire_count_total", "Acquires that waited for a connection.", c,
			func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
		newPoolMetric("db_pool_canceled_acquire_count_total", "Acquires canceled by context.", c,
			func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
	}
}

// RedisPoolStater is implemented by *redis.Client.
type RedisPoolStater interface {
	PoolStats() *redis.PoolStats
}

// NewRedisPoolCollector exports go-redis connection pool statistics.
func NewRedisPoolCollector(client RedisPoolStater, service string) prometheus.Collector {
	return &statsCollector[*redis.PoolStats]{
		service: service,
		snap:    client.PoolStats,
		metrics: redisPoolMetrics(),
	}
}

func redisPoolMetrics() []poolMetric[*redis.PoolStats] {
	g, c := prometheus.GaugeValue, prometheus.CounterValue
	return []poolMetric[*redis.PoolStats]{
		newPoolMetric("redis_pool_total_connections", "Connections in the pool.", g,
			func(s *redis.PoolStats) float64 { return float64(s.TotalConns) }),
		newPoolMetric("redis_pool_idle_connections", "Idle connections.", g,
			func(s *redis.PoolStats) float64 { return float64(s.IdleConns) }),
		newPoolMetric("redis_pool_hits_total", "Free connection found in the pool.", c,
			func(s *redis.PoolStats) float64 { return float64(s.Hits) }),
		newPoolMetric("redis_pool_misses_total", "Free connection not found in the pool.", c,
			func(s *redis.PoolStats) float64 { return float64(s.Misses) }),
		newPoolMetric("redis_pool_timeouts_total", "Waits for a connection that timed out.", c,
			func(s *redis.PoolStats) float64 { return float64(s.Timeouts) }),
	}
}
