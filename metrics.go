package memproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/memproxy/protocol"
)

// Collector exposes the proxy and shard statistics as Prometheus metrics.
// Values are read from snapshots at scrape time.
type Collector struct {
	proxy *Proxy

	currConns     *prometheus.Desc
	totalConns    *prometheus.Desc
	rejectedConns *prometheus.Desc
	idleClients   *prometheus.Desc
	commands      *prometheus.Desc
	unsupported   *prometheus.Desc

	shardIdle      *prometheus.Desc
	shardCreated   *prometheus.Desc
	shardConnected *prometheus.Desc
	shardDestroyed *prometheus.Desc
	shardReused    *prometheus.Desc
	shardErrors    *prometheus.Desc
	circuitState   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for p. Register it with a
// prometheus.Registry.
func NewCollector(p *Proxy) *Collector {
	shard := []string{"server"}
	return &Collector{
		proxy: p,

		currConns:     prometheus.NewDesc("memproxy_client_connections", "Client connections currently open", nil, nil),
		totalConns:    prometheus.NewDesc("memproxy_client_connections_total", "Client connections accepted", nil, nil),
		rejectedConns: prometheus.NewDesc("memproxy_client_connections_rejected_total", "Client connections refused at the connection limit", nil, nil),
		idleClients:   prometheus.NewDesc("memproxy_client_pool_idle", "Client connection objects ready for reuse", nil, nil),
		commands:      prometheus.NewDesc("memproxy_commands_total", "Commands parsed, by verb", []string{"verb"}, nil),
		unsupported:   prometheus.NewDesc("memproxy_commands_unsupported_total", "Command lines answered with an error", nil, nil),

		shardIdle:      prometheus.NewDesc("memproxy_backend_connections_idle", "Backend connections in the idle pool", shard, nil),
		shardCreated:   prometheus.NewDesc("memproxy_backend_connections_created_total", "Backend sockets created", shard, nil),
		shardConnected: prometheus.NewDesc("memproxy_backend_connects_total", "Backend connects that succeeded", shard, nil),
		shardDestroyed: prometheus.NewDesc("memproxy_backend_connections_destroyed_total", "Backend sockets closed", shard, nil),
		shardReused:    prometheus.NewDesc("memproxy_backend_connections_reused_total", "Requests served by an idle backend connection", shard, nil),
		shardErrors:    prometheus.NewDesc("memproxy_backend_errors_total", "Backend connect and I/O failures", shard, nil),
		circuitState:   prometheus.NewDesc("memproxy_circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open)", shard, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currConns
	ch <- c.totalConns
	ch <- c.rejectedConns
	ch <- c.idleClients
	ch <- c.commands
	ch <- c.unsupported
	ch <- c.shardIdle
	ch <- c.shardCreated
	ch <- c.shardConnected
	ch <- c.shardDestroyed
	ch <- c.shardReused
	ch <- c.shardErrors
	ch <- c.circuitState
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ps := c.proxy.Stats()
	ch <- prometheus.MustNewConstMetric(c.currConns, prometheus.GaugeValue, float64(ps.CurrConns))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.CounterValue, float64(ps.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.rejectedConns, prometheus.CounterValue, float64(ps.RejectedConns))
	ch <- prometheus.MustNewConstMetric(c.idleClients, prometheus.GaugeValue, float64(ps.IdleClients))
	ch <- prometheus.MustNewConstMetric(c.unsupported, prometheus.CounterValue, float64(ps.Unsupported))
	for _, v := range protocol.Verbs() {
		ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(ps.Commands[v]), v.String())
	}

	for _, s := range c.proxy.ShardStats() {
		ch <- prometheus.MustNewConstMetric(c.shardIdle, prometheus.GaugeValue, float64(s.IdleConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.shardCreated, prometheus.CounterValue, float64(s.CreatedConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.shardConnected, prometheus.CounterValue, float64(s.ConnectedConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.shardDestroyed, prometheus.CounterValue, float64(s.DestroyedConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.shardReused, prometheus.CounterValue, float64(s.ReusedConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.shardErrors, prometheus.CounterValue, float64(s.Errors), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, circuitStateValue(s.CircuitBreakerState), s.Addr)
	}
}

// circuitStateValue maps a breaker state to the gauge value. Shards without
// a breaker report closed.
func circuitStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
