package memproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/memproxy/internal/testutils"
	"github.com/pior/memproxy/protocol"
)

// startProxy serves a proxy in front of in-memory memcached servers until
// the test ends.
func startProxy(t *testing.T, shards int, opts ...func(*Config)) (*Proxy, []*testutils.Memcached) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxConns = 64
	cfg.ClientPoolSize = 8

	backends := make([]*testutils.Memcached, shards)
	for i := range backends {
		backends[i] = testutils.NewMemcached()
		cfg.Servers = append(cfg.Servers, testutils.StartServer(t, backends[i]))
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p, err := New(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("proxy did not stop")
		}
	})
	return p, backends
}

func TestIntegration_BasicOperations(t *testing.T) {
	p, _ := startProxy(t, 2)
	mc := memcache.New(p.Addr())

	require.NoError(t, mc.Ping())

	require.NoError(t, mc.Set(&memcache.Item{Key: "foo", Value: []byte("bar"), Flags: 7}))
	item, err := mc.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", string(item.Value))
	assert.Equal(t, uint32(7), item.Flags)

	_, err = mc.Get("missing")
	assert.ErrorIs(t, err, memcache.ErrCacheMiss)

	assert.ErrorIs(t, mc.Add(&memcache.Item{Key: "foo", Value: []byte("x")}), memcache.ErrNotStored)

	require.NoError(t, mc.Set(&memcache.Item{Key: "counter", Value: []byte("41")}))
	n, err := mc.Increment("counter", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	require.NoError(t, mc.Delete("foo"))
	assert.ErrorIs(t, mc.Delete("foo"), memcache.ErrCacheMiss)
}

func TestIntegration_MultipleKeys(t *testing.T) {
	p, backends := startProxy(t, 3)
	mc := memcache.New(p.Addr())

	var keys []string
	for i := range 50 {
		key := fmt.Sprintf("key-%d", i)
		keys = append(keys, key)
		if i%5 != 0 {
			require.NoError(t, mc.Set(&memcache.Item{Key: key, Value: []byte("value-" + key)}))
		}
	}

	items, err := mc.GetMulti(keys)
	require.NoError(t, err)
	assert.Len(t, items, 40)
	for key, item := range items {
		assert.Equal(t, "value-"+key, string(item.Value))
	}

	for i, b := range backends {
		for _, key := range keys {
			_, ok := b.Get(key)
			if ok {
				assert.Equal(t, i, DefaultServerSelector(key, len(backends)), "key %s stored on the wrong shard", key)
			}
		}
	}
}

func TestIntegration_LargeValues(t *testing.T) {
	p, _ := startProxy(t, 2)
	mc := memcache.New(p.Addr())

	value := []byte(strings.Repeat("memproxy", 64*1024))
	require.NoError(t, mc.Set(&memcache.Item{Key: "large", Value: value}))

	item, err := mc.Get("large")
	require.NoError(t, err)
	assert.Equal(t, value, item.Value)
}

func TestIntegration_ConcurrentClients(t *testing.T) {
	p, _ := startProxy(t, 3)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc := memcache.New(p.Addr())
			mc.Timeout = 2 * time.Second
			for i := range 50 {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := mc.Set(&memcache.Item{Key: key, Value: []byte(key)}); err != nil {
					t.Errorf("set %s: %v", key, err)
					return
				}
				item, err := mc.Get(key)
				if err != nil {
					t.Errorf("get %s: %v", key, err)
					return
				}
				if string(item.Value) != key {
					t.Errorf("get %s: got %q", key, item.Value)
				}
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, p.Stats().TotalConns, uint64(8))
}

func TestIntegration_RawProtocol(t *testing.T) {
	p, _ := startProxy(t, 2)

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	readLine := func() string {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	_, err = io.WriteString(conn, "version\r\n")
	require.NoError(t, err)
	assert.Equal(t, "VERSION memproxy "+Version+"\r\n", readLine())

	_, err = io.WriteString(conn, "flush_all\r\n")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyUnsupported, readLine())

	_, err = io.WriteString(conn, "set a 0 0 1 noreply\r\n1\r\nset b 0 0 1\r\n2\r\nget a b\r\n")
	require.NoError(t, err)
	assert.Equal(t, "STORED\r\n", readLine())
	assert.Equal(t, "VALUE a 0 1\r\n", readLine())
	assert.Equal(t, "1\r\n", readLine())
	assert.Equal(t, "VALUE b 0 1\r\n", readLine())
	assert.Equal(t, "2\r\n", readLine())
	assert.Equal(t, "END\r\n", readLine())

	_, err = io.WriteString(conn, "stats\r\n")
	require.NoError(t, err)
	assert.Equal(t, "STAT version memproxy "+Version+"\r\n", readLine())
	for {
		line := readLine()
		if line == "END\r\n" {
			break
		}
		assert.True(t, strings.HasPrefix(line, "STAT "), line)
	}

	_, err = io.WriteString(conn, "quit\r\n")
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIntegration_MaxConns(t *testing.T) {
	p, _ := startProxy(t, 1, func(cfg *Config) {
		cfg.MaxConns = 1
		cfg.ClientPoolSize = 1
	})

	first, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer first.Close()
	_, err = io.WriteString(first, "version\r\n")
	require.NoError(t, err)
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(first).ReadString('\n')
	require.NoError(t, err)

	second, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOutOfConnections, string(reply))

	assert.Eventually(t, func() bool {
		return p.Stats().RejectedConns == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIntegration_BackendDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	down := ln.Addr().String()
	require.NoError(t, ln.Close())

	p, _ := startProxy(t, 1, func(cfg *Config) {
		cfg.Servers = append(cfg.Servers, down)
		cfg.SelectServer = staticSelector(1)
	})

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "get k\r\n")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, reply, "the client is closed without a reply")
}
