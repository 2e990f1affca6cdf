package memproxy

import (
	"github.com/pior/memproxy/protocol"
)

// action is the next step of a client connection, returned by event
// handlers and executed by clientConn.run.
type action uint8

const (
	// actionNone waits for the next readiness event.
	actionNone action = iota
	// actionParse processes the complete lines of the line buffer.
	actionParse
	// actionDispatch sends the next request of the transaction to its shard.
	actionDispatch
	// actionFinish ends the transaction.
	actionFinish
	// actionClose tears the client connection down.
	actionClose
)

func (a action) String() string {
	switch a {
	case actionNone:
		return "none"
	case actionParse:
		return "parse"
	case actionDispatch:
		return "dispatch"
	case actionFinish:
		return "finish"
	default:
		return "close"
	}
}

// dispatch starts the next round trip of the transaction of c. A fetch
// takes its keys one at a time, in order. Any other command is sent once
// with its buffered line and payload.
func (p *Proxy) dispatch(c *clientConn) action {
	c.releaseBackend()

	var key string
	if c.cmd.Verb.IsFetch() {
		if c.keyIdx >= len(c.cmd.Keys) {
			return actionFinish
		}
		key = c.cmd.Keys[c.keyIdx]
		c.keyIdx++
	} else {
		key = c.cmd.Keys[0]
	}

	shard := p.route(key)

	done, err := shard.allow()
	if err != nil {
		p.log.Debug("circuit breaker refused request", "shard", shard.Address(), "error", err)
		return actionClose
	}

	b := shard.acquire(p)
	b.attach(c, done)
	c.backend = b

	if c.cmd.Verb.IsFetch() {
		b.out.WriteString(c.cmd.Verb.String() + " " + key + protocol.CRLF)
	} else {
		c.in.MoveTo(&b.out)
	}

	if err := b.open(); err != nil {
		p.log.Warn("backend open", "shard", shard.Address(), "error", err)
		return b.fail(err)
	}
	return actionNone
}

// route returns the shard of key.
func (p *Proxy) route(key string) *Shard {
	i := p.cfg.SelectServer(key, len(p.shards))
	if i < 0 || i >= len(p.shards) {
		i = 0
	}
	return p.shards[i]
}
