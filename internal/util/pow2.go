// Package util contains internal helpers for the cache engine.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "runtime"

// NextPow2 returns the smallest power of two >= x.
// x <= 1 yields 1; overflow clamps to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// ShardCount normalizes a requested shard count to a power of two.
// A non-positive request picks nextPow2(2*GOMAXPROCS), clamped to 256.
func ShardCount(requested int) int {
	if requested > 0 {
		return int(NextPow2(uint64(requested)))
	}
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p * 2)))
	if n > 256 {
		n = 256
	}
	return n
}
