package netpoll

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Addr is a resolved TCP address.
type Addr struct {
	sa     unix.Sockaddr
	family int
	str    string
}

func (a Addr) String() string { return a.str }

// ResolveTCP resolves a host:port address once, so that connecting later
// never blocks on name resolution.
func ResolveTCP(addr string) (Addr, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return Addr{}, err
	}
	return tcpAddr(tcp), nil
}

func tcpAddr(tcp *net.TCPAddr) Addr {
	a := Addr{str: tcp.String()}
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa.Addr[:], ip4)
		a.sa, a.family = sa, unix.AF_INET
		return a
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	a.sa, a.family = sa, unix.AF_INET6
	return a
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	}
	return ""
}

// Conn is a non-blocking TCP socket.
type Conn struct {
	fd     int
	remote Addr
}

var _ BackendSocket = (*Conn)(nil)

// NewTCPSocket creates an unconnected non-blocking socket for remote.
func NewTCPSocket(remote Addr) (*Conn, error) {
	fd, err := unix.Socket(remote.family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("netpoll: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netpoll: setsockopt: %w", err)
	}
	return &Conn{fd: fd, remote: remote}, nil
}

func (c *Conn) Fd() int { return c.fd }

func (c *Conn) RemoteAddr() string { return c.remote.str }

func (c *Conn) Available() (int, error) {
	return unix.IoctlGetInt(c.fd, unix.SIOCINQ)
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write performs a single write. It is used for best-effort replies on
// sockets about to be closed.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Conn) Writev(bufs [][]byte) (int, error) {
	n, err := unix.Writev(c.fd, bufs)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Conn) Connect() error {
	err := unix.Connect(c.fd, c.remote.sa)
	if err == nil || errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) || errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

func (c *Conn) ConnectErr() error {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// SetLinger sets SO_LINGER.
func (c *Conn) SetLinger(onoff, secs int) error {
	return unix.SetsockoptLinger(c.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: int32(onoff), Linger: int32(secs)})
}

// SetKeepAlive sets SO_KEEPALIVE.
func (c *Conn) SetKeepAlive(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// Listener is a non-blocking listening socket.
type Listener struct {
	fd   int
	addr string
}

// Listen binds a non-blocking TCP listener on addr.
func Listen(addr string, backlog int) (*Listener, error) {
	local, err := ResolveTCP(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(local.family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("netpoll: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netpoll: setsockopt: %w", err)
	}
	if err := unix.Bind(fd, local.sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netpoll: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netpoll: listen %s: %w", addr, err)
	}

	l := &Listener{fd: fd, addr: local.str}
	if sa, err := unix.Getsockname(fd); err == nil {
		l.addr = sockaddrString(sa)
	}
	return l, nil
}

func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address, with the port the kernel picked when
// listening on port 0.
func (l *Listener) Addr() string { return l.addr }

// Accept returns the next pending connection, or an error satisfying
// IsWouldBlock when there is none.
func (l *Listener) Accept() (*Conn, error) {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Conn{fd: fd, remote: Addr{sa: sa, str: sockaddrString(sa)}}, nil
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
