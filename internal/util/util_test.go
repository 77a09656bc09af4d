package util

import "testing"

func TestNextPow2(t *testing.T) {
	t.Parallel()

	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 64: 64, 65: 128}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Fatalf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}
	if got := NextPow2(1<<63 + 1); got != 1<<63 {
		t.Fatalf("overflow must clamp, got %d", got)
	}
}

func TestShardCount(t *testing.T) {
	t.Parallel()

	if got := ShardCount(3); got != 4 {
		t.Fatalf("ShardCount(3) = %d, want 4", got)
	}
	if got := ShardCount(0); got < 2 || got > 256 || got&(got-1) != 0 {
		t.Fatalf("auto shard count must be a power of two in [2,256], got %d", got)
	}
}

// The same key always lands in the same shard.
func TestHasher_Stable(t *testing.T) {
	t.Parallel()

	h := NewHasher[string]()
	for _, k := range []string{"", "a", "avatar::48x48"} {
		i := h.Index(k, 16)
		if i < 0 || i >= 16 {
			t.Fatalf("index out of range: %d", i)
		}
		if j := h.Index(k, 16); j != i {
			t.Fatalf("unstable index for %q: %d vs %d", k, i, j)
		}
	}
	if h.Index("x", 1) != 0 {
		t.Fatal("single shard must map to 0")
	}
}
