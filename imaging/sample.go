// Package imaging decodes images at a reduced size and applies the
// post-processing used by the loaders (rounded corners, PNG re-encoding).
package imaging

import "math"

// DefaultCapFactor bounds the decoded pixel count to twice the requested one.
const DefaultCapFactor = 2

// SampleFactor returns the integer downsampling factor for decoding an image
// of natural size nw×nh into a target of rw×rh.
//
// The initial factor is chosen along the short axis of the source (height for
// landscape images, width otherwise). It is then raised until the decoded
// pixel count is at most rw*rh*capFactor. Non-positive target dimensions
// disable sampling; capFactor <= 0 uses DefaultCapFactor.
func SampleFactor(nw, nh, rw, rh int, capFactor float64) int {
	if rw <= 0 || rh <= 0 || nw <= 0 || nh <= 0 {
		return 1
	}
	if nw <= rw && nh <= rh {
		return 1
	}
	if capFactor <= 0 {
		capFactor = DefaultCapFactor
	}

	var f int
	if nw > nh {
		f = int(math.Round(float64(nh) / float64(rh)))
	} else {
		f = int(math.Round(float64(nw) / float64(rw)))
	}
	if f < 1 {
		f = 1
	}

	total := float64(nw) * float64(nh)
	limit := float64(rw) * float64(rh) * capFactor
	for total/float64(f*f) > limit {
		f++
	}
	return f
}

// SampledSize returns the dimensions of an nw×nh image decoded with factor f.
func SampledSize(nw, nh, f int) (int, int) {
	if f <= 1 {
		return nw, nh
	}
	return max(1, nw/f), max(1, nh/f)
}
