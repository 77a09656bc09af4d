package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/jmgilman/go/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds the natural pixel count DecodeSampled accepts
// (128 MiB of NRGBA).
const DefaultMaxPixels = 32 << 20

// ErrDecode is returned for data no registered decoder understands.
var ErrDecode = errors.New(errors.CodeInvalidInput, "imaging: cannot decode image")

// DecodeOptions tunes DecodeSampled.
type DecodeOptions struct {
	// CapFactor is passed to SampleFactor. 0 => DefaultCapFactor.
	CapFactor float64
	// Raw skips downsampling entirely.
	Raw bool
	// MaxPixels rejects images whose declared width×height exceeds it, before
	// any pixel is decoded. 0 => DefaultMaxPixels; negative disables the check.
	MaxPixels int64
}

// Decoded is the result of a sampled decode.
type Decoded struct {
	Image  image.Image
	Format string
	// Natural size of the encoded image.
	Width, Height int
	// Factor actually applied (1 when not downsampled).
	Factor int
}

// DecodeSampled decodes data so that it is no larger than needed for a
// reqW×reqH target. The header is parsed first to size the output and to
// refuse images above opt.MaxPixels; the full image is then decoded and
// scaled down by the sample factor.
func DecodeSampled(data []byte, reqW, reqH int, opt DecodeOptions) (*Decoded, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, errors.CodeInvalidInput, err.Error())
	}
	limit := opt.MaxPixels
	if limit == 0 {
		limit = DefaultMaxPixels
	}
	if limit > 0 && int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, errors.Wrapf(ErrDecode, errors.CodeInvalidInput,
			"%dx%d %s exceeds %d pixels", cfg.Width, cfg.Height, format, limit)
	}

	f := 1
	if !opt.Raw {
		f = SampleFactor(cfg.Width, cfg.Height, reqW, reqH, opt.CapFactor)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, errors.CodeInvalidInput, err.Error())
	}
	out := &Decoded{Image: src, Format: format, Width: cfg.Width, Height: cfg.Height, Factor: f}
	if f == 1 {
		return out, nil
	}

	w, h := SampledSize(cfg.Width, cfg.Height, f)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	out.Image = dst
	return out, nil
}

// DecodeSampledReader is DecodeSampled over a stream. The stream is read
// fully since decoding takes two passes.
func DecodeSampledReader(r io.Reader, reqW, reqH int, opt DecodeOptions) (*Decoded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "imaging: read image data")
	}
	return DecodeSampled(data, reqW, reqH, opt)
}
