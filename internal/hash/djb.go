// Package hash holds the key hash functions used to pick a shard.
package hash

// DJB33 is Bernstein's string hash (h = h*33 + c, seeded with 5381),
// masked to a non-negative 31-bit value.
func DJB33(key string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(key); i++ {
		h = h*33 + uint32(key[i])
	}
	return h & 0x7FFFFFFF
}
