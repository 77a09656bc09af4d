package loader

import (
	"context"
	"io/fs"

	"github.com/jmgilman/go/errors"

	"github.com/IvanBrykalov/imgcache/imaging"
	"github.com/IvanBrykalov/imgcache/jobs"
	"github.com/IvanBrykalov/imgcache/resource"
)

// LocalOptions configures the bundled-resource strategy.
type LocalOptions struct {
	// Names maps resource ids to paths in the filesystem. Ids without an
	// entry are used as paths directly.
	Names map[string]string
	// Raw decodes at natural size, skipping downsampling.
	Raw bool
	// CapFactor bounds the decoded pixel count (see imaging.SampleFactor).
	CapFactor float64
	// MaxPixels refuses images declaring more pixels (see
	// imaging.DecodeOptions).
	MaxPixels int64
	// Workers is the decode concurrency. 0 => jobs.DefaultWorkers.
	Workers int
}

// Local decodes images bundled in an fs.FS. It has no disk tier.
type Local struct {
	fsys fs.FS
	opt  LocalOptions
}

var _ Strategy = (*Local)(nil)

// NewLocal builds the bundled-resource strategy. It panics if fsys is nil.
func NewLocal(fsys fs.FS, opt LocalOptions) *Local {
	if fsys == nil {
		panic("loader: nil resource filesystem")
	}
	if opt.Workers <= 0 {
		opt.Workers = jobs.DefaultWorkers
	}
	return &Local{fsys: fsys, opt: opt}
}

// DiskCacheName is empty: bundled resources have no disk tier.
func (l *Local) DiskCacheName() string { return "" }

// Workers returns the decode concurrency.
func (l *Local) Workers() int { return l.opt.Workers }

// FetchAndDecode decodes resource id. A missing resource yields a nil result.
func (l *Local) FetchAndDecode(ctx context.Context, id string, w, h int) (*Fetched, error) {
	name := id
	if mapped, ok := l.opt.Names[id]; ok {
		name = mapped
	}
	data, err := fs.ReadFile(l.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "loader: read resource %s", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.Decode(data, w, h)
	if err != nil {
		return nil, err
	}
	return &Fetched{Payload: p}, nil
}

// Decode decodes resource bytes for a w×h target.
func (l *Local) Decode(data []byte, w, h int) (resource.Payload, error) {
	d, err := imaging.DecodeSampled(data, w, h, imaging.DecodeOptions{
		CapFactor: l.opt.CapFactor,
		Raw:       l.opt.Raw,
		MaxPixels: l.opt.MaxPixels,
	})
	if err != nil {
		return nil, err
	}
	return resource.NewBitmap(d.Image), nil
}
