package memproxy

import (
	"errors"
	"fmt"

	"github.com/pior/memproxy/internal/buffer"
	"github.com/pior/memproxy/internal/netpoll"
	"github.com/pior/memproxy/protocol"
)

var (
	errBackendClosed     = errors.New("memproxy: backend closed the connection")
	errResponseTooLong   = errors.New("memproxy: backend response line too long")
	errInvalidTrailer    = errors.New("memproxy: invalid value trailer")
	errBackendUnexpected = errors.New("memproxy: backend in error state")

	// errTransactionAborted ends a round trip the client gave up on. Circuit
	// breakers ignore it.
	errTransactionAborted = errors.New("memproxy: transaction aborted")
)

type backendState uint8

const (
	backendInit backendState = iota
	backendConnecting
	backendConnected
	backendError
)

func (s backendState) String() string {
	switch s {
	case backendInit:
		return "init"
	case backendConnecting:
		return "connecting"
	case backendConnected:
		return "connected"
	default:
		return "error"
	}
}

// backendConn is a connection to one shard. It carries the request of at
// most one client at a time and forwards the response to that client's
// outbound queue.
type backendConn struct {
	proxy *Proxy
	shard *Shard
	sock  netpoll.BackendSocket
	state backendState

	registered bool
	out        buffer.Queue

	// Response line window.
	scratch []byte
	pos     int

	// Current value frame of a fetch: the bytes after the VALUE line.
	headerParsed bool
	frameLen     int
	remaining    int

	// dirty is set when the backend sent more than the response.
	dirty bool

	// busy is set from attach until the round trip completes.
	busy bool

	client *clientConn
	done   func(error)
}

func newBackendConn(p *Proxy, s *Shard) *backendConn {
	return &backendConn{
		proxy:   p,
		shard:   s,
		scratch: make([]byte, p.cfg.LineBufferSize),
	}
}

// attach binds the connection to the transaction of c.
func (b *backendConn) attach(c *clientConn, done func(error)) {
	b.client = c
	b.done = done
	b.busy = true
}

// open creates the socket if needed and waits for write readiness, which
// either starts the connect or sends the request.
func (b *backendConn) open() error {
	if b.sock == nil {
		sock, err := b.proxy.dial(b.shard.addr)
		if err != nil {
			return fmt.Errorf("memproxy: socket for %s: %w", b.shard.addr, err)
		}
		b.sock = sock
		b.shard.stats.recordCreate()
	}

	if err := b.proxy.poller.Register(b.sock.Fd(), netpoll.Write, b); err != nil {
		return err
	}
	b.registered = true
	return nil
}

func (b *backendConn) HandleEvent(ev netpoll.Interest) {
	c := b.client
	if c == nil {
		b.destroy()
		return
	}

	switch ev {
	case netpoll.Write:
		c.run(b.onWritable())
	case netpoll.Read:
		c.run(b.onReadable())
	}
}

func (b *backendConn) onWritable() action {
	switch b.state {
	case backendInit:
		if err := b.sock.Connect(); err != nil {
			return b.fail(err)
		}
		b.state = backendConnecting
		return actionNone

	case backendConnecting:
		if err := b.sock.ConnectErr(); err != nil {
			return b.fail(err)
		}
		b.state = backendConnected
		b.shard.stats.recordConnect()
		return b.send()

	case backendConnected:
		return b.send()
	}

	return b.fail(errBackendUnexpected)
}

func (b *backendConn) send() action {
	if _, err := b.out.Flush(b.sock); err != nil {
		return b.fail(err)
	}
	if b.out.Pending() > 0 {
		return actionNone
	}

	if b.client.cmd.NoReply {
		b.complete(nil)
		return actionFinish
	}
	if err := b.proxy.poller.Modify(b.sock.Fd(), netpoll.Read); err != nil {
		return b.fail(err)
	}
	return actionNone
}

func (b *backendConn) onReadable() action {
	if b.state != backendConnected {
		return b.fail(errBackendUnexpected)
	}

	avail, err := b.sock.Available()
	if err != nil {
		return b.fail(err)
	}
	if avail == 0 {
		return b.fail(errBackendClosed)
	}

	if b.headerParsed {
		return b.readFrame(avail)
	}

	space := len(b.scratch) - b.pos
	if space == 0 {
		return b.fail(errResponseTooLong)
	}
	n, err := b.sock.Read(b.scratch[b.pos : b.pos+min(avail, space)])
	if err != nil {
		if netpoll.IsWouldBlock(err) {
			return actionNone
		}
		return b.fail(err)
	}
	if n == 0 {
		return b.fail(errBackendClosed)
	}
	b.pos += n

	return b.parseResponse()
}

// parseResponse handles the first line of a response.
func (b *backendConn) parseResponse() action {
	line, n, ok := protocol.SplitLine(b.scratch[:b.pos])
	if !ok {
		if b.pos == len(b.scratch) {
			return b.fail(errResponseTooLong)
		}
		return actionNone
	}

	c := b.client
	extra := b.scratch[n:b.pos]

	if !c.cmd.Verb.IsFetch() {
		if !c.cmd.NoReply {
			c.out.Write(b.scratch[:n])
		}
		b.dirty = b.dirty || len(extra) > 0
		b.pos = 0
		b.complete(nil)
		return actionFinish
	}

	valueLen, isValue, err := protocol.ParseValueHeader(line)
	if err != nil {
		return b.fail(err)
	}
	if !isValue {
		// END or an error line: the key has no value.
		b.dirty = b.dirty || len(extra) > 0
		b.pos = 0
		b.complete(nil)
		return actionDispatch
	}

	c.out.Write(b.scratch[:n])
	b.headerParsed = true
	b.frameLen = protocol.FrameLen(valueLen)
	b.remaining = b.frameLen

	if len(extra) > b.remaining {
		b.dirty = true
		extra = extra[:b.remaining]
	}
	if len(extra) > 0 {
		if err := b.forward(buffer.ChunkOf(extra)); err != nil {
			return b.fail(err)
		}
	}
	b.pos = 0

	if b.remaining == 0 {
		return b.frameDone()
	}
	return actionNone
}

// readFrame reads value bytes straight into a chunk for the client.
func (b *backendConn) readFrame(avail int) action {
	want := min(avail, b.remaining)
	chunk := buffer.NewChunk(want)
	free := chunk.Free()
	if len(free) > want {
		free = free[:want]
	}

	n, err := b.sock.Read(free)
	if err != nil {
		if netpoll.IsWouldBlock(err) {
			return actionNone
		}
		return b.fail(err)
	}
	if n == 0 {
		return b.fail(errBackendClosed)
	}
	chunk.Commit(n)

	if err := b.forward(chunk); err != nil {
		return b.fail(err)
	}
	if b.remaining == 0 {
		return b.frameDone()
	}
	return actionNone
}

// forward hands the frame bytes of chunk to the client, without the END
// line closing the frame.
func (b *backendConn) forward(chunk *buffer.Chunk) error {
	p := chunk.Pending()
	off := b.frameLen - b.remaining
	if !protocol.ValidTrailer(p, off, b.frameLen-protocol.TrailerLen) {
		return errInvalidTrailer
	}

	chunk.Truncate(protocol.ForwardLen(b.remaining, len(p)))
	b.remaining -= len(p)
	b.client.out.Append(chunk)
	return nil
}

func (b *backendConn) frameDone() action {
	b.headerParsed = false
	b.frameLen = 0
	b.remaining = 0
	b.complete(nil)
	return actionDispatch
}

// complete reports the outcome of the round trip to the circuit breaker.
func (b *backendConn) complete(err error) {
	b.busy = false
	if b.done != nil {
		b.done(err)
		b.done = nil
	}
}

// fail moves the connection to the terminal error state. The transaction of
// the client is torn down.
func (b *backendConn) fail(err error) action {
	if b.state != backendError {
		b.proxy.log.Debug("backend failure", "shard", b.shard.addr.String(), "state", b.state.String(), "error", err)
		b.shard.stats.recordError()
	}
	b.state = backendError
	b.complete(err)
	return actionClose
}

// reusable reports whether the connection can serve another request.
func (b *backendConn) reusable() bool {
	if b.state != backendConnected || b.busy || b.dirty || b.sock == nil {
		return false
	}
	if b.out.Pending() > 0 || b.pos > 0 || b.headerParsed {
		return false
	}
	// A stray reply, for instance an error answered to a noreply command,
	// would be read as the response of the next request.
	avail, err := b.sock.Available()
	return err == nil && avail == 0
}

// park clears the per-request state and unregisters the socket before the
// connection goes to the idle pool.
func (b *backendConn) park() {
	if b.registered {
		if err := b.proxy.poller.Unregister(b.sock.Fd()); err != nil {
			b.proxy.log.Debug("unregister idle backend", "error", err)
		}
		b.registered = false
	}
	b.client = nil
	b.complete(nil)
	b.out.Reset()
	b.pos = 0
	b.headerParsed = false
	b.frameLen = 0
	b.remaining = 0
}

// destroy closes the socket. The connection must not be used afterwards.
func (b *backendConn) destroy() {
	if b.sock != nil {
		if b.registered {
			_ = b.proxy.poller.Unregister(b.sock.Fd())
			b.registered = false
		}
		_ = b.sock.Close()
		b.sock = nil
		b.shard.stats.recordDestroy()
	}
	b.state = backendError
	b.client = nil
	b.complete(errTransactionAborted)
	b.out.Reset()
}
