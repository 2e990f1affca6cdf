// Package memproxy is a sharding proxy for the memcached text protocol.
//
// A Proxy accepts client connections, routes the key of every request to
// one of its backend servers, and relays the responses. Multi-key fetches
// are split into one request per key and their responses merged into a
// single reply. Backend connections are kept in a per-shard idle pool.
//
// All connections are served by a single goroutine running an epoll event
// loop. Only Stats and ShardStats may be called from other goroutines.
//
// Basic usage:
//
//	cfg := memproxy.DefaultConfig()
//	cfg.Servers = []string{"10.0.0.1:11211", "10.0.0.2:11211"}
//	p, err := memproxy.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	return p.Serve(ctx)
package memproxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/pior/memproxy/internal/buffer"
	"github.com/pior/memproxy/internal/coarsetime"
	"github.com/pior/memproxy/internal/netpoll"
	"github.com/pior/memproxy/protocol"
)

// Version is reported by the version and stats commands.
const Version = "0.2.0"

var ErrProxyClosed = errors.New("memproxy: proxy closed")

// clientSocket is an accepted client socket.
type clientSocket interface {
	netpoll.Socket
	Write(p []byte) (int, error)
	SetLinger(onoff, secs int) error
	SetKeepAlive(on bool) error
}

type Proxy struct {
	cfg    Config
	log    *clog.Logger
	poller netpoll.Poller
	dial   func(netpoll.Addr) (netpoll.BackendSocket, error)

	loop     *netpoll.Loop
	listener *netpoll.Listener

	shards  []*Shard
	clients *clientPool
	active  map[*clientConn]struct{}
	stats   proxyStatsCollector
	started int64
	closed  bool
}

// New resolves the backend addresses and binds the listening socket. The
// logger is taken from ctx.
func New(ctx context.Context, cfg Config) (*Proxy, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	addrs := make([]netpoll.Addr, len(cfg.Servers))
	for i, server := range cfg.Servers {
		addr, err := netpoll.ResolveTCP(server)
		if err != nil {
			return nil, fmt.Errorf("memproxy: resolve %s: %w", server, err)
		}
		addrs[i] = addr
	}

	loop, err := netpoll.NewLoop(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}

	ln, err := netpoll.Listen(cfg.ListenAddr, cfg.Backlog)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}

	p, err := newProxy(ctx, cfg, addrs, loop, dialTCP)
	if err != nil {
		_ = ln.Close()
		_ = loop.Close()
		return nil, err
	}
	p.loop = loop
	p.listener = ln
	return p, nil
}

func dialTCP(addr netpoll.Addr) (netpoll.BackendSocket, error) {
	conn, err := netpoll.NewTCPSocket(addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// newProxy builds the shards and the client pool around poller. cfg must be
// valid, with defaults applied.
func newProxy(ctx context.Context, cfg Config, addrs []netpoll.Addr, poller netpoll.Poller, dial func(netpoll.Addr) (netpoll.BackendSocket, error)) (*Proxy, error) {
	p := &Proxy{
		cfg:     cfg,
		log:     clog.FromContext(ctx),
		poller:  poller,
		dial:    dial,
		shards:  make([]*Shard, len(addrs)),
		active:  make(map[*clientConn]struct{}),
		started: coarsetime.Now().Unix(),
	}
	for i, addr := range addrs {
		p.shards[i] = newShard(i, addr, cfg)
	}

	clients, err := newClientPool(p, cfg.ClientPoolSize)
	if err != nil {
		return nil, err
	}
	p.clients = clients
	return p, nil
}

// Addr returns the address the proxy listens on.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr()
}

// Serve runs the event loop until ctx is done, then closes every connection.
func (p *Proxy) Serve(ctx context.Context) error {
	if p.closed || p.loop == nil {
		return ErrProxyClosed
	}

	accept := netpoll.HandlerFunc(func(netpoll.Interest) { p.acceptAll(ctx) })
	if err := p.loop.Register(p.listener.Fd(), netpoll.Read, accept); err != nil {
		return err
	}

	p.log.Info("proxy serving", "addr", p.listener.Addr(), "shards", len(p.shards))
	err := p.loop.Run(ctx)
	p.log.Info("proxy stopping", "clients", len(p.active))

	return errors.Join(err, p.Close())
}

// Close closes every client and idle backend connection and releases the
// listening socket. It must not be called while Serve is running.
func (p *Proxy) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	for c := range p.active {
		c.close()
	}
	for _, s := range p.shards {
		s.closeIdle()
	}
	p.clients.close()

	var errs []error
	if p.listener != nil {
		errs = append(errs, p.listener.Close())
	}
	if p.loop != nil {
		errs = append(errs, p.loop.Close())
	}
	return errors.Join(errs...)
}

func (p *Proxy) acceptAll(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !netpoll.IsWouldBlock(err) {
				p.log.Warn("accept", "error", err)
			}
			return
		}
		p.accept(ctx, conn)
	}
}

// accept serves sock, or rejects it when MaxConns clients are connected.
func (p *Proxy) accept(ctx context.Context, sock clientSocket) {
	if p.stats.currConns.Load() >= int64(p.cfg.MaxConns) {
		_, _ = sock.Write([]byte(protocol.ReplyOutOfConnections))
		_ = sock.Close()
		p.stats.recordReject()
		p.log.Warn("connection rejected", "max_conns", p.cfg.MaxConns)
		return
	}

	if err := sock.SetLinger(0, 0); err != nil {
		p.log.Debug("set linger", "fd", sock.Fd(), "error", err)
	}
	if err := sock.SetKeepAlive(true); err != nil {
		p.log.Debug("set keepalive", "fd", sock.Fd(), "error", err)
	}

	c, err := p.clients.acquire(ctx)
	if err != nil {
		p.log.Warn("client pool", "error", err)
		_ = sock.Close()
		return
	}
	c.reset(sock)
	p.active[c] = struct{}{}
	p.stats.recordAccept()

	if err := p.poller.Register(sock.Fd(), netpoll.Read, c); err != nil {
		p.log.Warn("register client", "fd", sock.Fd(), "error", err)
		c.close()
		return
	}
	c.registered = true
	c.interest = netpoll.Read
}

func (p *Proxy) untrack(c *clientConn) {
	delete(p.active, c)
}

func (p *Proxy) writeStats(q *buffer.Queue) {
	writeStats(q, p.started, p.Stats(), p.ShardStats())
}

// Stats returns a snapshot of the client side counters.
func (p *Proxy) Stats() ProxyStats {
	s := p.stats.snapshot()
	s.IdleClients = p.clients.idle()
	return s
}

// ShardStats returns a snapshot of every shard, in configuration order.
func (p *Proxy) ShardStats() []ShardStats {
	stats := make([]ShardStats, len(p.shards))
	for i, s := range p.shards {
		stats[i] = s.Stats()
	}
	return stats
}
