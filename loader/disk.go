package loader

import (
	"github.com/go-git/go-billy/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/imgcache/diskcache"
)

// diskTier is the optional persistent tier of a loader. A nil *diskTier is a
// valid, always-missing tier; every failure degrades to a miss or a dropped
// write.
type diskTier struct {
	c   *diskcache.Cache
	log zerolog.Logger
}

func openDiskTier(fs billy.Filesystem, dir string, version int, maxBytes int64, log zerolog.Logger) *diskTier {
	c, err := diskcache.Open(fs, dir, version, 1, maxBytes, diskcache.WithLogger(log))
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("disk cache unavailable, continuing without it")
		return nil
	}
	return &diskTier{c: c, log: log}
}

func (d *diskTier) enabled() bool { return d != nil }

func (d *diskTier) read(key string) []byte {
	if d == nil {
		return nil
	}
	snap, err := d.c.Get(key)
	if err != nil {
		if !errors.Is(err, diskcache.ErrClosed) {
			d.log.Warn().Err(err).Str("key", key).Msg("disk cache read failed")
		}
		return nil
	}
	if snap == nil {
		return nil
	}
	defer snap.Close()

	data, err := snap.Bytes(0)
	if err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("disk cache read failed")
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

func (d *diskTier) write(key string, data []byte) {
	if d == nil {
		return
	}
	ed, err := d.c.Edit(key)
	if err != nil || ed == nil {
		// Closed, or another job is writing the same key.
		return
	}
	if err := ed.Set(0, data); err != nil {
		_ = ed.Abort()
		d.log.Warn().Err(err).Str("key", key).Msg("disk cache write failed")
		return
	}
	if err := ed.Commit(); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("disk cache commit failed")
	}
}

func (d *diskTier) remove(key string) {
	if d == nil {
		return
	}
	_, _ = d.c.Remove(key)
}

func (d *diskTier) size() int64 {
	if d == nil {
		return 0
	}
	return d.c.Size()
}

func (d *diskTier) close() {
	if d == nil {
		return
	}
	if err := d.c.Close(); err != nil {
		d.log.Debug().Err(err).Msg("disk cache close failed")
	}
}
