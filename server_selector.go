package memproxy

import (
	"github.com/pior/memproxy/internal/hash"
	"github.com/zeebo/xxh3"
)

// ServerSelector picks the shard index for a key among serverCount shards.
// It must be deterministic: the shard set never changes while serving.
type ServerSelector func(key string, serverCount int) int

// DefaultServerSelector maps a key with the DJB "times 33" string hash
// modulo the number of servers. This is the placement used by other
// memcached agents sharing the same backends.
func DefaultServerSelector(key string, serverCount int) int {
	if serverCount <= 1 {
		return 0
	}
	return int(hash.DJB33(key) % uint32(serverCount))
}

// JumpServerSelector uses Jump Hash over xxh3, for a better distribution.
// It is not compatible with the placement of DefaultServerSelector.
func JumpServerSelector(key string, serverCount int) int {
	return hash.Jump(xxh3.HashString(key), serverCount)
}

// staticSelector is used in tests to always select a specific server.
func staticSelector(index int) ServerSelector {
	return func(key string, serverCount int) int {
		return index % serverCount
	}
}
