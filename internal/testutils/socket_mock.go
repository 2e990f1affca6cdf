package testutils

import (
	"bytes"

	"golang.org/x/sys/unix"

	"github.com/pior/memproxy/internal/netpoll"
)

// SocketMock is a mock implementation of netpoll.BackendSocket for testing.
// Reads are served from bytes given to Feed, or produced by Peer in answer
// to the bytes written.
type SocketMock struct {
	FD int

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// Peer, when set, answers the written bytes.
	Peer *Session

	// WriteLimit caps the bytes accepted by a single Writev. Zero is unlimited.
	WriteLimit int
	// BlockWrites makes Writev fail with EAGAIN.
	BlockWrites bool

	ReadErr     error
	WriteErr    error
	ConnectFail error
	SocketErr   error

	// HangUp marks the peer as gone: the socket is readable with nothing
	// left to read.
	HangUp bool

	Connects  int
	Closed    bool
	Linger    bool
	KeepAlive bool
}

var _ netpoll.BackendSocket = (*SocketMock)(nil)

// NewSocketMock creates a new mock socket with pre-configured read data.
func NewSocketMock(fd int, readData ...string) *SocketMock {
	m := &SocketMock{FD: fd}
	for _, s := range readData {
		m.readBuf.WriteString(s)
	}
	return m
}

// Feed makes s readable.
func (m *SocketMock) Feed(s string) {
	m.readBuf.WriteString(s)
}

func (m *SocketMock) Fd() int { return m.FD }

func (m *SocketMock) Available() (int, error) {
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	return m.readBuf.Len(), nil
}

func (m *SocketMock) Read(b []byte) (int, error) {
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	if m.readBuf.Len() == 0 {
		return 0, unix.EAGAIN
	}
	return m.readBuf.Read(b)
}

func (m *SocketMock) Write(b []byte) (int, error) {
	return m.Writev([][]byte{b})
}

func (m *SocketMock) Writev(bufs [][]byte) (int, error) {
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	if m.BlockWrites {
		return 0, unix.EAGAIN
	}

	start := m.writeBuf.Len()
	for _, b := range bufs {
		if m.WriteLimit > 0 {
			room := m.WriteLimit - (m.writeBuf.Len() - start)
			if room <= 0 {
				break
			}
			b = b[:min(len(b), room)]
		}
		m.writeBuf.Write(b)
	}

	written := m.writeBuf.Bytes()[start:]
	if m.Peer != nil {
		m.readBuf.Write(m.Peer.Feed(written))
	}
	return len(written), nil
}

func (m *SocketMock) Connect() error {
	m.Connects++
	return m.ConnectFail
}

func (m *SocketMock) ConnectErr() error {
	return m.SocketErr
}

func (m *SocketMock) SetLinger(onoff, secs int) error {
	m.Linger = true
	return nil
}

func (m *SocketMock) SetKeepAlive(on bool) error {
	m.KeepAlive = on
	return nil
}

func (m *SocketMock) Close() error {
	m.Closed = true
	return nil
}

// Written returns the bytes written to the mock socket.
func (m *SocketMock) Written() string {
	return m.writeBuf.String()
}

// ResetWritten forgets the bytes written so far.
func (m *SocketMock) ResetWritten() {
	m.writeBuf.Reset()
}

// Readable reports whether a read readiness event would fire.
func (m *SocketMock) Readable() bool {
	return m.HangUp || m.ReadErr != nil || m.readBuf.Len() > 0
}
