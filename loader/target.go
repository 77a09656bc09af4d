package loader

import (
	"image"
	"sync"

	"github.com/IvanBrykalov/imgcache/resource"
)

// Token identifies one dispatched request. Request returns it and stores it
// on the target; a finished job binds only if the target still holds the
// same token.
type Token struct {
	Key string
	Gen uint64
}

// IsZero reports whether t is the empty token (nothing pending).
func (t Token) IsZero() bool { return t == Token{} }

// Target is a display surface that can show a placeholder or a resource.
//
// SetResource must Bind the new resource and Unbind the one it replaces;
// SetPlaceholder must Unbind the current resource, if any. Loaders call
// these methods from the request goroutine and from the job origin.
type Target interface {
	Width() int
	Height() int
	SetPlaceholder(img image.Image)
	SetResource(r *resource.Resource)
	PendingToken() Token
	SetPendingToken(t Token)
	// Alive is false once the target was detached and should not be updated.
	Alive() bool
}

// View is a headless Target, safe for concurrent use.
type View struct {
	mu          sync.Mutex
	w, h        int
	res         *resource.Resource
	placeholder image.Image
	pending     Token
	detached    bool
}

var _ Target = (*View)(nil)

// NewView returns a live view laid out at w×h.
func NewView(w, h int) *View { return &View{w: w, h: h} }

// Width returns the layout width.
func (v *View) Width() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.w
}

// Height returns the layout height.
func (v *View) Height() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.h
}

// Resize changes the layout size used by subsequent requests.
func (v *View) Resize(w, h int) {
	v.mu.Lock()
	v.w, v.h = w, h
	v.mu.Unlock()
}

// SetPlaceholder shows img and unbinds the current resource.
func (v *View) SetPlaceholder(img image.Image) {
	v.mu.Lock()
	old := v.res
	v.res = nil
	v.placeholder = img
	v.mu.Unlock()

	if old != nil {
		old.Unbind()
	}
}

// SetResource binds r and unbinds the resource it replaces. Setting the
// resource already shown is a no-op.
func (v *View) SetResource(r *resource.Resource) {
	v.mu.Lock()
	old := v.res
	if old == r {
		v.mu.Unlock()
		return
	}
	v.res = r
	v.placeholder = nil
	v.mu.Unlock()

	if r != nil {
		r.Bind()
	}
	if old != nil {
		old.Unbind()
	}
}

// PendingToken returns the token of the request the view waits for.
func (v *View) PendingToken() Token {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending
}

// SetPendingToken records the request the view waits for.
func (v *View) SetPendingToken(t Token) {
	v.mu.Lock()
	v.pending = t
	v.mu.Unlock()
}

// Alive reports whether the view has not been detached.
func (v *View) Alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.detached
}

// Detach unbinds the shown resource and marks the view dead.
func (v *View) Detach() {
	v.mu.Lock()
	old := v.res
	v.res = nil
	v.pending = Token{}
	v.detached = true
	v.mu.Unlock()

	if old != nil {
		old.Unbind()
	}
}

// Resource returns the bound resource, or nil.
func (v *View) Resource() *resource.Resource {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.res
}

// Placeholder returns the placeholder currently shown, or nil.
func (v *View) Placeholder() image.Image {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placeholder
}

// Image returns what the view displays: the resource image or the
// placeholder.
func (v *View) Image() image.Image {
	v.mu.Lock()
	res, ph := v.res, v.placeholder
	v.mu.Unlock()
	if res != nil {
		return res.Image()
	}
	return ph
}
