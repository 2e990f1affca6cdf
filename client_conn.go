package memproxy

import (
	"github.com/jackc/puddle/v2"

	"github.com/pior/memproxy/internal/buffer"
	"github.com/pior/memproxy/internal/netpoll"
	"github.com/pior/memproxy/protocol"
)

type clientState uint8

const (
	clientCommand clientState = iota
	clientAwaitingPayload
	clientInTransaction
)

func (s clientState) String() string {
	switch s {
	case clientCommand:
		return "command"
	case clientAwaitingPayload:
		return "awaiting_payload"
	default:
		return "in_transaction"
	}
}

// clientConn is the proxy side of one client connection. Objects are
// recycled through the client pool and reset on every accept.
type clientConn struct {
	proxy *Proxy
	res   *puddle.Resource[*clientConn]

	sock       netpoll.Socket
	registered bool
	interest   netpoll.Interest
	closed     bool

	state clientState

	// Command line window.
	line []byte
	pos  int

	// storeBytes counts the payload bytes, CRLF included, not read yet.
	storeBytes int

	cmd           protocol.Command
	keyIdx        int
	fetchFinished bool

	in  buffer.Queue
	out buffer.Queue

	backend *backendConn
}

func newClientConn(p *Proxy) *clientConn {
	return &clientConn{
		proxy:  p,
		line:   make([]byte, p.cfg.LineBufferSize),
		closed: true,
	}
}

// reset prepares a recycled object for sock.
func (c *clientConn) reset(sock netpoll.Socket) {
	c.sock = sock
	c.registered = false
	c.interest = netpoll.None
	c.closed = false
	c.state = clientCommand
	c.pos = 0
	c.storeBytes = 0
	c.cmd = protocol.Command{}
	c.keyIdx = 0
	c.fetchFinished = false
	c.in.Reset()
	c.out.Reset()
	c.backend = nil
}

func (c *clientConn) HandleEvent(ev netpoll.Interest) {
	switch ev {
	case netpoll.Read:
		c.run(c.onReadable())
	case netpoll.Write:
		c.run(c.onWritable())
	}
}

// run executes actions until one leaves nothing to do, then updates the
// readiness interest of the socket.
func (c *clientConn) run(a action) {
	for !c.closed {
		switch a {
		case actionParse:
			a = c.parse()
		case actionDispatch:
			a = c.proxy.dispatch(c)
		case actionFinish:
			a = c.finish()
		case actionClose:
			c.close()
			return
		default:
			c.syncInterest()
			return
		}
	}
}

func (c *clientConn) onReadable() action {
	avail, err := c.sock.Available()
	if err != nil {
		c.proxy.log.Debug("client available", "fd", c.sock.Fd(), "error", err)
		return actionClose
	}
	if avail == 0 {
		return actionClose
	}

	if c.state == clientAwaitingPayload {
		n, err := c.in.ReadFrom(c.sock, min(avail, c.storeBytes))
		c.storeBytes -= n
		if err != nil {
			c.proxy.log.Debug("client read payload", "fd", c.sock.Fd(), "error", err)
			return actionClose
		}
		if c.storeBytes > 0 {
			return actionNone
		}
		c.state = clientInTransaction
		return actionDispatch
	}

	space := len(c.line) - c.pos
	if space == 0 {
		if c.state == clientCommand {
			return actionClose
		}
		return actionNone
	}

	n, err := c.sock.Read(c.line[c.pos : c.pos+min(avail, space)])
	if err != nil {
		if netpoll.IsWouldBlock(err) {
			return actionNone
		}
		c.proxy.log.Debug("client read", "fd", c.sock.Fd(), "error", err)
		return actionClose
	}
	if n == 0 {
		return actionClose
	}
	c.pos += n

	if c.state == clientCommand {
		return actionParse
	}
	// Pipelined bytes wait for the end of the transaction.
	return actionNone
}

func (c *clientConn) onWritable() action {
	if _, err := c.out.Flush(c.sock); err != nil {
		c.proxy.log.Debug("client write", "fd", c.sock.Fd(), "error", err)
		return actionClose
	}
	return actionNone
}

// parse handles every complete line of the line buffer until a command
// needs a backend.
func (c *clientConn) parse() action {
	for c.state == clientCommand {
		line, n, ok := protocol.SplitLine(c.line[:c.pos])
		if !ok {
			if c.pos == len(c.line) {
				c.proxy.log.Debug("client line too long", "fd", c.sock.Fd(), "size", c.pos)
				return actionClose
			}
			return actionNone
		}

		cmd, err := protocol.Parse(line)
		if err != nil {
			c.consume(n)
			c.proxy.stats.recordUnsupported()
			c.out.WriteString(protocol.ErrorReply(err))
			continue
		}
		c.proxy.stats.recordCommand(cmd.Verb)

		switch cmd.Verb {
		case protocol.VerbQuit:
			return actionClose
		case protocol.VerbVersion:
			c.consume(n)
			c.out.WriteString("VERSION memproxy " + Version + protocol.CRLF)
			continue
		case protocol.VerbStats:
			c.consume(n)
			c.proxy.writeStats(&c.out)
			continue
		}

		c.cmd = cmd
		c.keyIdx = 0
		c.fetchFinished = false

		if cmd.Verb.IsFetch() {
			c.consume(n)
			c.state = clientInTransaction
			return actionDispatch
		}

		c.in.Write(line)
		c.in.WriteString(protocol.CRLF)
		c.consume(n)

		if !cmd.Verb.IsStore() {
			c.state = clientInTransaction
			return actionDispatch
		}

		c.storeBytes = cmd.PayloadLen + len(protocol.CRLF)
		k := min(c.pos, c.storeBytes)
		c.in.Write(c.line[:k])
		c.consume(k)
		c.storeBytes -= k

		if c.storeBytes > 0 {
			c.state = clientAwaitingPayload
			return actionNone
		}
		c.state = clientInTransaction
		return actionDispatch
	}
	return actionNone
}

// consume drops the first n bytes of the line buffer.
func (c *clientConn) consume(n int) {
	copy(c.line, c.line[n:c.pos])
	c.pos -= n
}

// finish ends the transaction and resumes parsing of pipelined commands.
func (c *clientConn) finish() action {
	c.releaseBackend()
	if c.cmd.Verb.IsFetch() && !c.fetchFinished {
		c.out.WriteString(protocol.End)
		c.fetchFinished = true
	}
	c.cmd = protocol.Command{}
	c.keyIdx = 0
	c.in.Reset()
	c.state = clientCommand
	return actionParse
}

func (c *clientConn) releaseBackend() {
	if b := c.backend; b != nil {
		c.backend = nil
		b.shard.release(b)
	}
}

// syncInterest waits for write readiness while replies are pending, for
// nothing while a transaction runs with a full line buffer, and for read
// readiness otherwise.
func (c *clientConn) syncInterest() {
	want := netpoll.Read
	switch {
	case c.out.Pending() > 0:
		want = netpoll.Write
	case c.state == clientInTransaction && c.pos == len(c.line):
		want = netpoll.None
	}
	if want == c.interest {
		return
	}

	if err := c.proxy.poller.Modify(c.sock.Fd(), want); err != nil {
		c.proxy.log.Warn("client interest", "fd", c.sock.Fd(), "interest", want.String(), "error", err)
		c.close()
		return
	}
	c.interest = want
}

// close tears the connection down and returns the object to the pool.
// Payload bytes not dispatched yet are discarded.
func (c *clientConn) close() {
	if c.closed {
		return
	}
	c.closed = true

	c.releaseBackend()
	if c.registered {
		if err := c.proxy.poller.Unregister(c.sock.Fd()); err != nil {
			c.proxy.log.Debug("client unregister", "fd", c.sock.Fd(), "error", err)
		}
		c.registered = false
	}
	if err := c.sock.Close(); err != nil {
		c.proxy.log.Debug("client close", "error", err)
	}
	c.in.Reset()
	c.out.Reset()
	c.sock = nil

	c.proxy.stats.recordClose()
	c.proxy.untrack(c)
	c.proxy.clients.release(c)
}
