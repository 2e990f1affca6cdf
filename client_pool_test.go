package memproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPool_PreWarm(t *testing.T) {
	h := newHarness(t, 1, func(cfg *Config) { cfg.ClientPoolSize = 3 })

	assert.Equal(t, uint64(3), h.proxy.clients.createdObjects.Load())
	assert.Equal(t, int32(3), h.proxy.Stats().IdleClients)
}

func TestClientPool_ReusesObjects(t *testing.T) {
	h := newHarness(t, 1, func(cfg *Config) { cfg.ClientPoolSize = 1 })

	for range 5 {
		client := h.connect()
		assert.Equal(t, "END\r\n", h.send(client, "get k\r\n"))
		h.send(client, "quit\r\n")
	}

	assert.Equal(t, uint64(1), h.proxy.clients.createdObjects.Load())
	assert.Equal(t, uint64(5), h.proxy.Stats().TotalConns)
}

func TestClientPool_DiscardsBeyondSize(t *testing.T) {
	h := newHarness(t, 1, func(cfg *Config) { cfg.ClientPoolSize = 1 })

	first := h.connect()
	second := h.connect()
	third := h.connect()
	assert.Equal(t, uint64(3), h.proxy.clients.createdObjects.Load())
	assert.Equal(t, int32(0), h.proxy.Stats().IdleClients)

	h.send(first, "quit\r\n")
	h.send(second, "quit\r\n")
	h.send(third, "quit\r\n")

	assert.Equal(t, int32(1), h.proxy.Stats().IdleClients)
	assert.Equal(t, uint64(2), h.proxy.clients.discardedObjects.Load())
}

func TestClientPool_ZeroSizeDisablesReuse(t *testing.T) {
	h := newHarness(t, 1, func(cfg *Config) { cfg.ClientPoolSize = 0 })
	require.Equal(t, 0, h.proxy.cfg.ClientPoolSize)

	for range 3 {
		client := h.connect()
		h.send(client, "quit\r\n")
	}

	assert.Equal(t, uint64(3), h.proxy.clients.createdObjects.Load())
	assert.Equal(t, uint64(3), h.proxy.clients.discardedObjects.Load())
	assert.Equal(t, int32(0), h.proxy.Stats().IdleClients)
}

func TestClientPool_ResetOnReuse(t *testing.T) {
	h := newHarness(t, 1, func(cfg *Config) { cfg.ClientPoolSize = 1 })
	manualBackends(h)

	client := h.connect()
	h.send(client, "set k 0 0 10\r\nabc")
	client.HangUp = true
	h.pump()
	require.True(t, client.Closed)

	next := h.connect()
	c := h.proxy.clients.pool.Stat()
	assert.Equal(t, int32(1), c.AcquiredResources())

	h.send(next, "get k\r\n")
	require.Len(t, h.backend, 1)
	assert.Equal(t, "get k\r\n", h.backend[0].Written(), "the unfinished payload of the previous client is discarded")
}
