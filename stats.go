package memproxy

import (
	"strconv"
	"sync/atomic"

	"github.com/pior/memproxy/internal/buffer"
	"github.com/pior/memproxy/internal/coarsetime"
	"github.com/pior/memproxy/protocol"
	"github.com/sony/gobreaker/v2"
)

// ProxyStats contains statistics about client connections and commands.
// Snapshots are safe to take from any goroutine.
//
// For Prometheus integration, see NewCollector.
type ProxyStats struct {
	CurrConns     int64  // Client connections currently open
	TotalConns    uint64 // Client connections accepted since start
	RejectedConns uint64 // Connections refused at the MaxConns ceiling
	Commands      map[protocol.Verb]uint64
	Unsupported   uint64 // Lines answered with an error reply
	IdleClients   int32  // Client objects ready for reuse
}

// ShardStats contains statistics about one shard.
type ShardStats struct {
	Addr           string
	IdleConns      int32  // Connections in the idle pool
	CreatedConns   uint64 // Backend sockets created
	ConnectedConns uint64 // Connects that succeeded
	DestroyedConns uint64 // Backend sockets closed
	ReusedConns    uint64 // Requests served by an idle connection
	Errors         uint64 // Connect and I/O failures

	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// proxyStatsCollector provides internal methods for updating proxy stats.
type proxyStatsCollector struct {
	currConns     atomic.Int64
	totalConns    atomic.Uint64
	rejectedConns atomic.Uint64
	unsupported   atomic.Uint64
	commands      [protocol.VerbQuit + 1]atomic.Uint64
}

func (c *proxyStatsCollector) recordAccept() {
	c.currConns.Add(1)
	c.totalConns.Add(1)
}

func (c *proxyStatsCollector) recordClose() {
	c.currConns.Add(-1)
}

func (c *proxyStatsCollector) recordReject() {
	c.rejectedConns.Add(1)
}

func (c *proxyStatsCollector) recordCommand(v protocol.Verb) {
	if int(v) < len(c.commands) {
		c.commands[v].Add(1)
	}
}

func (c *proxyStatsCollector) recordUnsupported() {
	c.unsupported.Add(1)
}

func (c *proxyStatsCollector) snapshot() ProxyStats {
	s := ProxyStats{
		CurrConns:     c.currConns.Load(),
		TotalConns:    c.totalConns.Load(),
		RejectedConns: c.rejectedConns.Load(),
		Unsupported:   c.unsupported.Load(),
		Commands:      make(map[protocol.Verb]uint64, len(c.commands)),
	}
	for _, v := range protocol.Verbs() {
		s.Commands[v] = c.commands[v].Load()
	}
	return s
}

// shardStatsCollector provides internal methods for updating shard stats.
type shardStatsCollector struct {
	idleConns      atomic.Int32
	createdConns   atomic.Uint64
	connectedConns atomic.Uint64
	destroyedConns atomic.Uint64
	reusedConns    atomic.Uint64
	errors         atomic.Uint64
}

func (c *shardStatsCollector) recordCreate()  { c.createdConns.Add(1) }
func (c *shardStatsCollector) recordConnect() { c.connectedConns.Add(1) }
func (c *shardStatsCollector) recordDestroy() { c.destroyedConns.Add(1) }
func (c *shardStatsCollector) recordError()   { c.errors.Add(1) }

func (c *shardStatsCollector) recordPush() {
	c.idleConns.Add(1)
}

func (c *shardStatsCollector) recordPop() {
	c.idleConns.Add(-1)
}

func (c *shardStatsCollector) recordReuse() {
	c.reusedConns.Add(1)
}

func (c *shardStatsCollector) snapshot(addr string) ShardStats {
	return ShardStats{
		Addr:           addr,
		IdleConns:      c.idleConns.Load(),
		CreatedConns:   c.createdConns.Load(),
		ConnectedConns: c.connectedConns.Load(),
		DestroyedConns: c.destroyedConns.Load(),
		ReusedConns:    c.reusedConns.Load(),
		Errors:         c.errors.Load(),
	}
}

// writeStats renders the reply of the stats command: the proxy version and
// counters, one line per shard with its address and idle pool size, END.
func writeStats(q *buffer.Queue, started int64, ps ProxyStats, shards []ShardStats) {
	stat := func(name, value string) {
		q.WriteString("STAT " + name + " " + value + protocol.CRLF)
	}

	stat("version", "memproxy "+Version)
	stat("uptime", strconv.FormatInt(coarsetime.Now().Unix()-started, 10))
	stat("curr_connections", strconv.FormatInt(ps.CurrConns, 10))
	stat("total_connections", strconv.FormatUint(ps.TotalConns, 10))
	stat("rejected_connections", strconv.FormatUint(ps.RejectedConns, 10))
	for i, s := range shards {
		stat("shard_"+strconv.Itoa(i), s.Addr+" pool_size "+strconv.Itoa(int(s.IdleConns)))
	}
	q.WriteString(protocol.End)
}
