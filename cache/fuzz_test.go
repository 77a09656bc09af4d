package cache

import (
	"strings"
	"testing"
)

// Fuzz basic Set/Get/Remove semantics under arbitrary string inputs with
// byte-length costs. Guards against panics and checks the cost bound.
func FuzzCache_SetGetRemove(f *testing.F) {
	f.Add("", "")
	f.Add("a", "1")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k, v string) {
		const limit = 1 << 12
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		c := New[string, string](Options[string, string]{
			MaxCost: 2048,
			Shards:  1,
			Cost:    func(s string) int64 { return int64(len(s)) },
		})

		ok := c.Set(k, v)
		if len(v) > 2048 {
			if ok {
				t.Fatalf("oversized value admitted (%d bytes)", len(v))
			}
			return
		}
		if !ok {
			t.Fatalf("Set rejected %d bytes", len(v))
		}
		got, hit := c.Get(k)
		if !hit || got != v {
			t.Fatalf("after Set/Get: want %q, got %q ok=%v", v, got, hit)
		}
		if c.Cost() != int64(len(v)) {
			t.Fatalf("cost %d, want %d", c.Cost(), len(v))
		}
		if !c.Remove(k) {
			t.Fatalf("Remove must return true")
		}
		if c.Cost() != 0 || c.Len() != 0 {
			t.Fatalf("cache not empty after Remove: len=%d cost=%d", c.Len(), c.Cost())
		}
	})
}
