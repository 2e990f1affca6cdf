// Package netpoll is a minimal readiness-notification layer: a poller that
// dispatches read or write readiness of file descriptors to handlers, and the
// raw non-blocking sockets those handlers operate on.
//
// Every registered descriptor waits for exactly one direction at a time, or
// for nothing while paused. Handlers run on the goroutine calling Loop.Run.
package netpoll

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Interest is the readiness a descriptor waits for.
type Interest uint8

const (
	None Interest = iota
	Read
	Write
)

func (i Interest) String() string {
	switch i {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "none"
	}
}

// Handler receives readiness events. ev is the interest the descriptor was
// registered with when the event fired.
type Handler interface {
	HandleEvent(ev Interest)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Interest)

func (f HandlerFunc) HandleEvent(ev Interest) { f(ev) }

// Poller registers descriptors for readiness notification.
type Poller interface {
	Register(fd int, in Interest, h Handler) error
	Modify(fd int, in Interest) error
	Unregister(fd int) error
}

// Socket is a connected non-blocking stream socket.
type Socket interface {
	Fd() int
	// Available returns the number of bytes readable without blocking.
	// Zero on a readable socket means the peer closed it.
	Available() (int, error)
	Read(p []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
	Close() error
}

// BackendSocket is a socket the proxy connects itself.
type BackendSocket interface {
	Socket
	// Connect starts a non-blocking connect. An in-progress connect is not an error.
	Connect() error
	// ConnectErr returns the outcome of the pending connect.
	ConnectErr() error
}

var (
	ErrClosed        = errors.New("netpoll: poller closed")
	ErrNotRegistered = errors.New("netpoll: descriptor not registered")
)

// IsWouldBlock reports whether err means the operation must be retried on
// the next readiness event.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
