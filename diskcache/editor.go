package diskcache

import (
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/jmgilman/go/errors"
)

// Editor writes the values of one entry. Exactly one of Commit or Abort must
// be called; afterwards the editor is inert.
type Editor struct {
	c       *Cache
	e       *entry
	written []bool
	failed  bool // a value write failed; guarded by c.mu
}

// Key returns the key being edited.
func (ed *Editor) Key() string { return ed.e.key }

// NewWriter returns a writer that replaces value i. The writer must be
// closed before Commit.
func (ed *Editor) NewWriter(i int) (io.WriteCloser, error) {
	c := ed.c
	if i < 0 || i >= c.valueCount {
		return nil, errors.Newf(errors.CodeInvalidInput, "diskcache: value index %d out of range", i)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.e.editor != ed {
		return nil, ErrStaleEditor
	}
	if !ed.e.readable {
		ed.written[i] = true
	}

	name := c.dirtyFile(ed.e.key, i)
	f, err := c.fs.Create(name)
	if err != nil {
		// The directory may have been removed underneath us.
		if mkErr := c.fs.MkdirAll(c.dir, 0o755); mkErr == nil {
			f, err = c.fs.Create(name)
		}
		if err != nil {
			ed.failed = true
			return nil, errors.Wrapf(err, errors.CodeInternal, "diskcache: create %s", name)
		}
	}
	return &valueWriter{f: f, ed: ed}, nil
}

// Set writes data as value i.
func (ed *Editor) Set(i int, data []byte) error {
	w, err := ed.NewWriter(i)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.CodeInternal, "diskcache: write value")
	}
	return w.Close()
}

// Commit publishes the written values. A failed write turns the commit into
// a removal of the entry.
func (ed *Editor) Commit() error {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if ed.failed {
		if err := c.completeEditLocked(ed, false); err != nil {
			return err
		}
		c.removeLocked(ed.e.key)
		return errors.Newf(errors.CodeInternal, "diskcache: write to %s failed, entry dropped", ed.e.key)
	}
	return c.completeEditLocked(ed, true)
}

// Abort discards the written values. Aborting a finished editor is a no-op.
func (ed *Editor) Abort() error {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.e.editor != ed {
		return nil
	}
	return c.completeEditLocked(ed, false)
}

// valueWriter flags the editor when a write fails.
type valueWriter struct {
	f  billy.File
	ed *Editor
}

func (w *valueWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.fail()
	}
	return n, err
}

func (w *valueWriter) Close() error {
	err := w.f.Close()
	if err != nil {
		w.fail()
	}
	return err
}

func (w *valueWriter) fail() {
	w.ed.c.mu.Lock()
	w.ed.failed = true
	w.ed.c.mu.Unlock()
}

// Snapshot is a read view of one committed entry. Its readers stay valid
// even if the entry is removed or replaced afterwards.
type Snapshot struct {
	key     string
	files   []billy.File
	lengths []int64
}

// Key returns the entry key.
func (s *Snapshot) Key() string { return s.key }

// Reader returns the reader of value i.
func (s *Snapshot) Reader(i int) io.Reader { return s.files[i] }

// Length returns the byte length of value i as recorded at commit.
func (s *Snapshot) Length(i int) int64 { return s.lengths[i] }

// Bytes reads value i fully.
func (s *Snapshot) Bytes(i int) ([]byte, error) {
	b, err := io.ReadAll(s.files[i])
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "diskcache: read %s.%d", s.key, i)
	}
	return b, nil
}

// Close releases the underlying files.
func (s *Snapshot) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
