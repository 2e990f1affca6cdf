package memproxy

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/memproxy/internal/buffer"
	"github.com/pior/memproxy/internal/coarsetime"
	"github.com/pior/memproxy/protocol"
)

func TestProxyStats_Counters(t *testing.T) {
	h := newHarness(t, 1)
	client := h.connect()
	h.send(client, "get a\r\nget b\r\nset k 0 0 1\r\nx\r\nbogus\r\nversion\r\n")
	h.connect()

	stats := h.proxy.Stats()
	if stats.CurrConns != 2 {
		t.Errorf("Expected CurrConns=2, got %d", stats.CurrConns)
	}
	if stats.TotalConns != 2 {
		t.Errorf("Expected TotalConns=2, got %d", stats.TotalConns)
	}
	if stats.Unsupported != 1 {
		t.Errorf("Expected Unsupported=1, got %d", stats.Unsupported)
	}
	if stats.Commands[protocol.VerbGet] != 2 {
		t.Errorf("Expected 2 get commands, got %d", stats.Commands[protocol.VerbGet])
	}
	if stats.Commands[protocol.VerbSet] != 1 {
		t.Errorf("Expected 1 set command, got %d", stats.Commands[protocol.VerbSet])
	}
	if stats.Commands[protocol.VerbVersion] != 1 {
		t.Errorf("Expected 1 version command, got %d", stats.Commands[protocol.VerbVersion])
	}
	if len(stats.Commands) != len(protocol.Verbs()) {
		t.Errorf("Expected a counter per verb, got %d", len(stats.Commands))
	}
}

func TestShardStats(t *testing.T) {
	h := newHarness(t, 2)
	keys := h.keysOnShards()
	client := h.connect()
	h.send(client, "get "+keys[1]+"\r\nget "+keys[1]+"\r\n")

	want := []ShardStats{
		{Addr: "127.0.0.1:11211"},
		{
			Addr:           "127.0.0.1:11212",
			IdleConns:      1,
			CreatedConns:   1,
			ConnectedConns: 1,
			ReusedConns:    1,
		},
	}
	got := h.proxy.ShardStats()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(ShardStats{}, "CircuitBreakerCounts")); diff != "" {
		t.Errorf("ShardStats() mismatch (-want +got):\n%s", diff)
	}
	for _, s := range got {
		if s.CircuitBreakerState != gobreaker.StateClosed {
			t.Errorf("Expected closed breaker state for a shard without breaker, got %v", s.CircuitBreakerState)
		}
	}
}

func TestWriteStats(t *testing.T) {
	var q buffer.Queue
	started := coarsetime.Now().Unix()

	ps := ProxyStats{CurrConns: 3, TotalConns: 10, RejectedConns: 1}
	shards := []ShardStats{
		{Addr: "10.0.0.1:11211", IdleConns: 4},
		{Addr: "10.0.0.2:11211"},
	}
	writeStats(&q, started, ps, shards)

	lines := strings.Split(strings.TrimSuffix(q.String(), "\r\n"), "\r\n")
	if len(lines) > 1 && strings.HasPrefix(lines[1], "STAT uptime ") {
		lines[1] = "STAT uptime"
	}
	want := []string{
		"STAT version memproxy " + Version,
		"STAT uptime",
		"STAT curr_connections 3",
		"STAT total_connections 10",
		"STAT rejected_connections 1",
		"STAT shard_0 10.0.0.1:11211 pool_size 4",
		"STAT shard_1 10.0.0.2:11211 pool_size 0",
		"END",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("stats reply mismatch (-want +got):\n%s", diff)
	}
}
