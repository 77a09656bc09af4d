// Package resource implements a reference-counted handle around a decoded
// image.
//
// A Resource is owned jointly by the memory cache (cache references) and by
// the display targets currently showing it (view references). The pixel
// payload is released the moment both counts drop to zero, and never again.
package resource

import (
	"image"
	"sync"
)

// Payload is the decoded data wrapped by a Resource.
type Payload interface {
	// Image returns the decoded image, or nil once released.
	Image() image.Image
	// SizeBytes returns the in-memory pixel footprint (0 once released).
	SizeBytes() int64
	// Release frees the pixel buffer. It is called at most once.
	Release()
}

// Resource is a reference-counted wrapper around a decoded payload.
// All methods are safe for concurrent use.
type Resource struct {
	key string

	// ---- guarded by mu ----
	mu        sync.Mutex
	payload   Payload
	cacheRefs int
	viewRefs  int
	released  bool
	onRelease func(*Resource)
}

// New wraps payload under key. An empty key produces an untracked resource
// that the memory cache refuses to store.
// It panics if payload is nil.
func New(key string, payload Payload) *Resource {
	if payload == nil {
		panic("resource: nil payload")
	}
	return &Resource{key: key, payload: payload}
}

// NewImage wraps a decoded image as a Bitmap payload.
// It panics if img is nil.
func NewImage(key string, img image.Image) *Resource {
	if img == nil {
		panic("resource: nil image")
	}
	return New(key, NewBitmap(img))
}

// Key returns the cache key the resource was created for.
func (r *Resource) Key() string { return r.key }

// Image returns the decoded image, or nil once the payload was released.
func (r *Resource) Image() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	return r.payload.Image()
}

// SizeOf returns the payload footprint in bytes; released payloads count as 0.
func (r *Resource) SizeOf() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return 0
	}
	return r.payload.SizeBytes()
}

// OnRelease registers fn to be called once, right after the payload is freed.
// It replaces any previously registered hook.
func (r *Resource) OnRelease(fn func(*Resource)) {
	r.mu.Lock()
	r.onRelease = fn
	r.mu.Unlock()
}

// Bind records a display target reference.
func (r *Resource) Bind() { r.adjust(0, 1) }

// Unbind drops a display target reference.
func (r *Resource) Unbind() { r.adjust(0, -1) }

// MarkCached adds (true) or drops (false) a cache reference.
func (r *Resource) MarkCached(cached bool) {
	if cached {
		r.adjust(1, 0)
	} else {
		r.adjust(-1, 0)
	}
}

// IsValid reports whether the payload has not been released.
func (r *Resource) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.released
}

// IsDisplayed reports whether at least one display target holds the resource.
func (r *Resource) IsDisplayed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewRefs > 0
}

// IsCached reports whether the memory cache holds the resource.
func (r *Resource) IsCached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheRefs > 0
}

// Refs returns the current cache and view reference counts.
func (r *Resource) Refs() (cache, view int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheRefs, r.viewRefs
}

// Discard releases the payload of a resource nobody references, such as a
// freshly decoded result that is dropped before reaching a cache. It is a
// no-op while references remain.
func (r *Resource) Discard() { r.adjust(0, 0) }

// adjust applies the deltas and releases the payload when both counts are
// exhausted. The release hook runs outside the lock.
func (r *Resource) adjust(cacheDelta, viewDelta int) {
	r.mu.Lock()
	r.cacheRefs += cacheDelta
	r.viewRefs += viewDelta
	hook := r.maybeReleaseLocked()
	r.mu.Unlock()

	if hook != nil {
		hook(r)
	}
}

// maybeReleaseLocked frees the payload if no references remain.
// Returns the release hook to invoke, or nil if nothing was released.
func (r *Resource) maybeReleaseLocked() func(*Resource) {
	if r.cacheRefs > 0 || r.viewRefs > 0 || r.released {
		return nil
	}
	r.released = true
	r.payload.Release()
	if r.onRelease == nil {
		return func(*Resource) {}
	}
	return r.onRelease
}
