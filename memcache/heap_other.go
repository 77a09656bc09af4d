//go:build !linux

package memcache

func physicalMemory() uint64 { return 0 }
