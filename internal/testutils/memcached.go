package testutils

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type item struct {
	value []byte
	flags string
	cas   uint64
}

// Memcached is an in-memory implementation of the memcached text protocol,
// enough for get, gets, the store commands, delete, incr and decr.
type Memcached struct {
	mu    sync.Mutex
	items map[string]item
	cas   uint64
	lines []string
}

func NewMemcached() *Memcached {
	return &Memcached{items: make(map[string]item)}
}

// Set stores value under key.
func (m *Memcached) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cas++
	m.items[key] = item{value: []byte(value), flags: "0", cas: m.cas}
}

// Get returns the value of key.
func (m *Memcached) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	return string(it.value), ok
}

// Lines returns every command line received, in order.
func (m *Memcached) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// NewSession returns the protocol state of one connection.
func (m *Memcached) NewSession() *Session {
	return &Session{m: m}
}

// Session buffers the bytes of one connection until requests are complete.
type Session struct {
	m   *Memcached
	buf []byte
}

// Feed consumes p and returns the responses to the requests it completes.
func (s *Session) Feed(p []byte) []byte {
	s.buf = append(s.buf, p...)

	var out bytes.Buffer
	for {
		i := bytes.Index(s.buf, []byte("\r\n"))
		if i < 0 {
			break
		}
		line := string(s.buf[:i])
		fields := strings.Fields(line)

		if len(fields) > 0 && isStore(fields[0]) {
			if len(fields) < 5 {
				s.buf = s.buf[i+2:]
				out.WriteString("ERROR\r\n")
				continue
			}
			n, err := strconv.Atoi(fields[4])
			if err != nil || n < 0 {
				s.buf = s.buf[i+2:]
				out.WriteString("CLIENT_ERROR bad data chunk\r\n")
				continue
			}
			end := i + 2 + n + 2
			if len(s.buf) < end {
				break
			}
			data := append([]byte(nil), s.buf[i+2:i+2+n]...)
			s.buf = s.buf[end:]
			s.m.handle(&out, line, fields, data)
			continue
		}

		s.buf = s.buf[i+2:]
		s.m.handle(&out, line, fields, nil)
	}
	return out.Bytes()
}

func isStore(verb string) bool {
	switch verb {
	case "set", "add", "replace", "append", "prepend", "cas":
		return true
	}
	return false
}

func (m *Memcached) handle(out *bytes.Buffer, line string, fields []string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, line)

	if len(fields) == 0 {
		out.WriteString("ERROR\r\n")
		return
	}

	noreply := len(fields) > 2 && fields[len(fields)-1] == "noreply"
	reply := func(s string) {
		if !noreply {
			out.WriteString(s)
		}
	}

	switch verb := fields[0]; verb {
	case "get", "gets":
		for _, key := range fields[1:] {
			it, ok := m.items[key]
			if !ok {
				continue
			}
			out.WriteString("VALUE " + key + " " + it.flags + " " + strconv.Itoa(len(it.value)))
			if verb == "gets" {
				out.WriteString(" " + strconv.FormatUint(it.cas, 10))
			}
			out.WriteString("\r\n")
			out.Write(it.value)
			out.WriteString("\r\n")
		}
		out.WriteString("END\r\n")

	case "set", "add", "replace", "append", "prepend", "cas":
		key, flags := fields[1], fields[2]
		it, exists := m.items[key]
		switch {
		case verb == "add" && exists,
			(verb == "replace" || verb == "append" || verb == "prepend") && !exists:
			reply("NOT_STORED\r\n")
			return
		case verb == "cas":
			if len(fields) < 6 {
				reply("ERROR\r\n")
				return
			}
			if !exists {
				reply("NOT_FOUND\r\n")
				return
			}
			if strconv.FormatUint(it.cas, 10) != fields[5] {
				reply("EXISTS\r\n")
				return
			}
		}

		value := data
		switch verb {
		case "append":
			value = append(append([]byte(nil), it.value...), data...)
			flags = it.flags
		case "prepend":
			value = append(append([]byte(nil), data...), it.value...)
			flags = it.flags
		}
		m.cas++
		m.items[key] = item{value: value, flags: flags, cas: m.cas}
		reply("STORED\r\n")

	case "delete":
		if len(fields) < 2 {
			reply("ERROR\r\n")
			return
		}
		if _, ok := m.items[fields[1]]; !ok {
			reply("NOT_FOUND\r\n")
			return
		}
		delete(m.items, fields[1])
		reply("DELETED\r\n")

	case "incr", "decr":
		if len(fields) < 3 {
			reply("ERROR\r\n")
			return
		}
		it, ok := m.items[fields[1]]
		if !ok {
			reply("NOT_FOUND\r\n")
			return
		}
		cur, err1 := strconv.ParseUint(string(it.value), 10, 64)
		delta, err2 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			reply("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
			return
		}
		if verb == "incr" {
			cur += delta
		} else if delta > cur {
			cur = 0
		} else {
			cur -= delta
		}
		m.cas++
		m.items[fields[1]] = item{value: []byte(strconv.FormatUint(cur, 10)), flags: it.flags, cas: m.cas}
		reply(strconv.FormatUint(cur, 10) + "\r\n")

	default:
		out.WriteString("ERROR\r\n")
	}
}

// StartServer serves m on a local TCP port until the test ends and returns
// the address.
func StartServer(t testing.TB, m *Memcached) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					t.Logf("accept: %v", err)
				}
				return
			}
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				serveConn(conn, m.NewSession())
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	return ln.Addr().String()
}

func serveConn(conn net.Conn, s *Session) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if resp := s.Feed(buf[:n]); len(resp) > 0 {
				if _, err := conn.Write(resp); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}
