package resource

import (
	"image"
	"sync"
)

// Bitmap is the default Payload over a decoded image.Image.
type Bitmap struct {
	mu  sync.RWMutex
	img image.Image
}

// NewBitmap wraps img.
func NewBitmap(img image.Image) *Bitmap { return &Bitmap{img: img} }

// Image returns the wrapped image, or nil once released.
func (b *Bitmap) Image() image.Image {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.img
}

// SizeBytes returns stride × height for raster images and an RGBA estimate
// for anything else.
func (b *Bitmap) SizeBytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return SizeOfImage(b.img)
}

// Release drops the pixel buffer.
func (b *Bitmap) Release() {
	b.mu.Lock()
	b.img = nil
	b.mu.Unlock()
}

// SizeOfImage computes the decoded pixel footprint of img.
func SizeOfImage(img image.Image) int64 {
	if img == nil {
		return 0
	}
	h := int64(img.Bounds().Dy())
	switch m := img.(type) {
	case *image.RGBA:
		return int64(m.Stride) * h
	case *image.NRGBA:
		return int64(m.Stride) * h
	case *image.RGBA64:
		return int64(m.Stride) * h
	case *image.NRGBA64:
		return int64(m.Stride) * h
	case *image.Gray:
		return int64(m.Stride) * h
	case *image.Gray16:
		return int64(m.Stride) * h
	case *image.Alpha:
		return int64(m.Stride) * h
	case *image.Paletted:
		return int64(m.Stride) * h
	case *image.YCbCr:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr))
	}
	// 4 bytes per pixel, like an ARGB_8888 raster.
	return 4 * int64(img.Bounds().Dx()) * h
}
