package util

import "hash/maphash"

// Hasher maps comparable keys to shard indexes.
// The zero value is not usable; construct with NewHasher.
type Hasher[K comparable] struct {
	seed maphash.Seed
}

// NewHasher returns a hasher with a fresh per-process seed.
func NewHasher[K comparable]() Hasher[K] {
	return Hasher[K]{seed: maphash.MakeSeed()}
}

// Index returns the shard index for k. shards must be a power of two.
func (h Hasher[K]) Index(k K, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(maphash.Comparable(h.seed, k) & uint64(shards-1))
}
