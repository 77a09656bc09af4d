package imaging

import (
	"image"
	"image/png"
	"io"
	"math"

	"github.com/jmgilman/go/errors"
	"golang.org/x/image/draw"
)

// DefaultCornerRadiusDIP is the corner radius of avatars in density
// independent pixels.
const DefaultCornerRadiusDIP = 3

// subsamples per axis used to anti-alias the corner arcs.
const aa = 4

// RoundCorners returns a copy of src whose corners are cut by circular arcs of
// the given radius (pixels). The radius is clamped to half the short side; a
// non-positive radius yields a plain copy.
func RoundCorners(src image.Image, radius float64) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	radius = math.Min(radius, math.Min(float64(w), float64(h))/2)
	if radius <= 0 {
		return dst
	}

	edge := int(math.Ceil(radius))
	for y := 0; y < h; y++ {
		inBandY := y < edge || y >= h-edge
		for x := 0; x < w; x++ {
			if !inBandY || (x >= edge && x < w-edge) {
				continue
			}
			cov := coverage(x, y, w, h, radius)
			if cov >= 1 {
				continue
			}
			i := dst.PixOffset(x, y) + 3
			dst.Pix[i] = uint8(math.Round(float64(dst.Pix[i]) * cov))
		}
	}
	return dst
}

// coverage is the fraction of pixel (x, y) inside the rounded rectangle.
func coverage(x, y, w, h int, r float64) float64 {
	inside := 0
	for j := 0; j < aa; j++ {
		sy := float64(y) + (float64(j)+0.5)/aa
		cy := math.Max(r, math.Min(sy, float64(h)-r))
		for i := 0; i < aa; i++ {
			sx := float64(x) + (float64(i)+0.5)/aa
			cx := math.Max(r, math.Min(sx, float64(w)-r))
			dx, dy := sx-cx, sy-cy
			if dx*dx+dy*dy <= r*r {
				inside++
			}
		}
	}
	return float64(inside) / (aa * aa)
}

// EncodePNG writes img as a best-compression PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(w, img); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "imaging: encode png")
	}
	return nil
}
