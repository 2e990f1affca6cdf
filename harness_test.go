package memproxy

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/memproxy/internal/netpoll"
	"github.com/pior/memproxy/internal/testutils"
)

// harness runs a Proxy over a poller mock. Every backend socket is a mock
// answered by an in-memory memcached of its shard.
type harness struct {
	t      *testing.T
	proxy  *Proxy
	poller *testutils.PollerMock

	backends []*testutils.Memcached
	shardOf  map[string]int

	socks   map[int]*testutils.SocketMock
	backend []*testutils.SocketMock
	nextFd  int
	dials   int
	dialErr error
	onDial  func(shard int, sock *testutils.SocketMock)
}

func newHarness(t *testing.T, shards int, opts ...func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	for i := range shards {
		cfg.Servers = append(cfg.Servers, fmt.Sprintf("127.0.0.1:%d", 11211+i))
	}
	cfg.MaxConns = 16
	cfg.ClientPoolSize = 4
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	require.NoError(t, cfg.Validate())

	h := &harness{
		t:       t,
		poller:  testutils.NewPollerMock(),
		shardOf: make(map[string]int),
		socks:   make(map[int]*testutils.SocketMock),
		nextFd:  100,
	}

	addrs := make([]netpoll.Addr, len(cfg.Servers))
	for i, server := range cfg.Servers {
		addr, err := netpoll.ResolveTCP(server)
		require.NoError(t, err)
		addrs[i] = addr
		h.shardOf[addr.String()] = i
		h.backends = append(h.backends, testutils.NewMemcached())
	}

	p, err := newProxy(context.Background(), cfg, addrs, h.poller, h.dial)
	require.NoError(t, err)
	h.proxy = p
	t.Cleanup(func() { _ = p.Close() })
	return h
}

func (h *harness) dial(addr netpoll.Addr) (netpoll.BackendSocket, error) {
	h.dials++
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	shard := h.shardOf[addr.String()]

	h.nextFd++
	sock := testutils.NewSocketMock(h.nextFd)
	sock.Peer = h.backends[shard].NewSession()
	h.socks[sock.FD] = sock
	h.backend = append(h.backend, sock)
	if h.onDial != nil {
		h.onDial(shard, sock)
	}
	return sock, nil
}

// connect accepts a new client socket.
func (h *harness) connect() *testutils.SocketMock {
	h.nextFd++
	sock := testutils.NewSocketMock(h.nextFd)
	h.socks[sock.FD] = sock
	h.proxy.accept(context.Background(), sock)
	return sock
}

// send feeds s to the client and runs the event loop until it is idle.
func (h *harness) send(client *testutils.SocketMock, s string) string {
	client.ResetWritten()
	client.Feed(s)
	h.pump()
	return client.Written()
}

// pump delivers readiness events until no descriptor is ready.
func (h *harness) pump() {
	for range 1000 {
		fired := false
		for _, fd := range h.poller.FDs() {
			in, ok := h.poller.Interest(fd)
			if !ok {
				continue
			}
			sock := h.socks[fd]
			switch in {
			case netpoll.Read:
				if !sock.Readable() {
					continue
				}
			case netpoll.Write:
				if sock.BlockWrites {
					continue
				}
			}
			if h.poller.Fire(fd) {
				fired = true
			}
		}
		if !fired {
			return
		}
	}
	h.t.Fatal("event loop did not settle")
}

// shardFor returns the index of the shard serving key.
func (h *harness) shardFor(key string) int {
	return h.proxy.route(key).index
}

// keysOnShards returns one key per shard.
func (h *harness) keysOnShards() []string {
	keys := make([]string, len(h.proxy.shards))
	found := 0
	for i := 0; found < len(keys); i++ {
		key := fmt.Sprintf("key%d", i)
		if s := h.shardFor(key); keys[s] == "" {
			keys[s] = key
			found++
		}
	}
	return keys
}

// valueBlock renders the VALUE line and data block of a get reply.
func valueBlock(key, value string) string {
	return "VALUE " + key + " 0 " + strconv.Itoa(len(value)) + "\r\n" + value + "\r\n"
}
