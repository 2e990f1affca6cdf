package memproxy

import (
	"errors"
	"fmt"
)

const (
	DefaultListenAddr     = "0.0.0.0:11211"
	DefaultMaxConns       = 4096
	DefaultLineBufferSize = 2048
	DefaultIdleStep       = 5
	DefaultMaxIdle        = 50
	DefaultClientPoolSize = 100
	DefaultMaxEvents      = 256
	DefaultBacklog        = 1024
)

var (
	ErrNoServers     = errors.New("memproxy: no servers configured")
	ErrInvalidConfig = errors.New("memproxy: invalid config")
)

// Config holds the immutable inputs of a Proxy.
type Config struct {
	// Servers are the backend host:port addresses. Their order defines the
	// shard indexes and must be the same on every proxy sharing the backends.
	// Required.
	Servers []string

	// ListenAddr is the address clients connect to.
	ListenAddr string

	// MaxConns is the maximum number of concurrent client connections.
	// Connections over the limit receive an error line and are closed.
	MaxConns int

	// LineBufferSize bounds a client command line and a backend response line.
	LineBufferSize int

	// IdleStep is the growth increment of a shard's idle pool.
	IdleStep int

	// MaxIdle is the maximum number of idle connections kept per shard.
	MaxIdle int

	// ClientPoolSize is the number of client connection objects created at
	// startup and kept for reuse. Zero disables reuse.
	ClientPoolSize int

	// MaxEvents is the number of readiness events handled per poll.
	MaxEvents int

	// Backlog is the listen backlog.
	Backlog int

	// SelectServer picks the shard of a key.
	// If nil, uses DefaultServerSelector.
	SelectServer ServerSelector

	// NewCircuitBreaker creates a circuit breaker for a shard.
	// Called once per server address when the proxy is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *CircuitBreaker
}

// DefaultConfig returns a Config with every tunable at its default value.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		MaxConns:       DefaultMaxConns,
		LineBufferSize: DefaultLineBufferSize,
		IdleStep:       DefaultIdleStep,
		MaxIdle:        DefaultMaxIdle,
		ClientPoolSize: DefaultClientPoolSize,
		MaxEvents:      DefaultMaxEvents,
		Backlog:        DefaultBacklog,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.MaxConns == 0 {
		c.MaxConns = d.MaxConns
	}
	if c.LineBufferSize == 0 {
		c.LineBufferSize = d.LineBufferSize
	}
	if c.IdleStep == 0 {
		c.IdleStep = d.IdleStep
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.Backlog == 0 {
		c.Backlog = d.Backlog
	}
	if c.SelectServer == nil {
		c.SelectServer = DefaultServerSelector
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}
	for _, s := range c.Servers {
		if s == "" {
			return fmt.Errorf("%w: empty server address", ErrInvalidConfig)
		}
	}
	switch {
	case c.MaxConns < 1:
		return fmt.Errorf("%w: MaxConns must be positive, got %d", ErrInvalidConfig, c.MaxConns)
	case c.LineBufferSize < 64:
		return fmt.Errorf("%w: LineBufferSize must be at least 64, got %d", ErrInvalidConfig, c.LineBufferSize)
	case c.IdleStep < 1:
		return fmt.Errorf("%w: IdleStep must be positive, got %d", ErrInvalidConfig, c.IdleStep)
	case c.MaxIdle < 0:
		return fmt.Errorf("%w: MaxIdle must not be negative, got %d", ErrInvalidConfig, c.MaxIdle)
	case c.ClientPoolSize < 0:
		return fmt.Errorf("%w: ClientPoolSize must not be negative, got %d", ErrInvalidConfig, c.ClientPoolSize)
	case c.ClientPoolSize > c.MaxConns:
		return fmt.Errorf("%w: ClientPoolSize (%d) exceeds MaxConns (%d)", ErrInvalidConfig, c.ClientPoolSize, c.MaxConns)
	}
	return nil
}
