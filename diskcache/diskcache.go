// Package diskcache implements a bounded, journaled LRU blob store on a
// go-billy filesystem.
//
// Each entry is a key with a fixed number of values (byte streams). Values of
// committed entries live in "<key>.<index>" files; in-progress edits write to
// "<key>.<index>.tmp" and are renamed on commit. A journal records every
// state change so the index survives a restart:
//
//	imgcache.diskcache
//	1
//	<app version>
//	<value count>
//
//	DIRTY <key>
//	CLEAN <key> <len0> <len1>...
//	REMOVE <key>
//	READ <key>
//
// Opening a store written with another app version or value count wipes it.
// The store is best-effort: it never promises durability beyond what the
// journal flushes give, and it is not safe for use by several processes.
package diskcache

import (
	"bufio"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

const (
	journalFile       = "journal"
	journalFileTmp    = "journal.tmp"
	journalFileBackup = "journal.bkp"

	magic          = "imgcache.diskcache"
	formatVersion  = "1"
	redundantLimit = 2000

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New(errors.CodeUnavailable, "diskcache: closed")
	// ErrInvalidKey is returned for keys outside [a-z0-9_-]{1,120}.
	ErrInvalidKey = errors.New(errors.CodeInvalidInput, "diskcache: invalid key")
	// ErrStaleEditor is returned when an editor is used after commit/abort.
	ErrStaleEditor = errors.New(errors.CodeConflict, "diskcache: editor no longer active")
	// ErrIncomplete is returned when committing a new entry with missing values.
	ErrIncomplete = errors.New(errors.CodeInvalidInput, "diskcache: entry is missing values")

	errCorrupt = errors.New(errors.CodeSchemaFailed, "diskcache: corrupt journal")

	keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)
)

// entry is the in-memory index record of one key.
type entry struct {
	key      string
	lengths  []int64
	readable bool    // a CLEAN record exists
	editor   *Editor // non-nil while an edit is in progress
}

// Option customizes Open.
type Option func(*Cache)

// WithLogger sets the logger used for I/O warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// Cache is a disk LRU blob store. All methods are safe for concurrent use.
type Cache struct {
	fs         billy.Filesystem
	dir        string
	appVersion int
	valueCount int
	maxSize    int64
	log        zerolog.Logger

	// ---- guarded by mu ----
	mu        sync.Mutex
	lru       *simplelru.LRU[string, *entry] // oldest first
	size      int64
	journal   billy.File
	journalW  *bufio.Writer
	redundant int
	closed    bool
}

// Open opens (or creates) the store in dir. maxSize bounds the total bytes of
// committed values. A journal from another appVersion or valueCount, or one
// that cannot be parsed, wipes the directory and starts over.
func Open(fsys billy.Filesystem, dir string, appVersion, valueCount int, maxSize int64, opts ...Option) (*Cache, error) {
	if fsys == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "diskcache: nil filesystem")
	}
	if maxSize <= 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "diskcache: maxSize must be > 0")
	}
	if valueCount <= 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "diskcache: valueCount must be > 0")
	}

	idx, err := simplelru.NewLRU[string, *entry](math.MaxInt32, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "diskcache: create index")
	}
	c := &Cache{
		fs:         fsys,
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
		maxSize:    maxSize,
		log:        zerolog.Nop(),
		lru:        idx,
	}
	for _, o := range opts {
		o(c)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "diskcache: create %s", dir)
	}

	// Recover from a crash in the middle of a journal rebuild.
	if c.exists(journalFileBackup) {
		if c.exists(journalFile) {
			_ = fsys.Remove(c.path(journalFileBackup))
		} else if err := fsys.Rename(c.path(journalFileBackup), c.path(journalFile)); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "diskcache: restore journal backup")
		}
	}

	if c.exists(journalFile) {
		err := c.readJournal()
		if err == nil {
			err = c.processJournal()
		}
		if err == nil {
			if err = c.openJournalForAppend(); err == nil {
				return c, nil
			}
		}
		c.log.Warn().Err(err).Str("dir", dir).Msg("disk cache journal unusable, wiping")
		if err := c.wipe(); err != nil {
			return nil, err
		}
	}

	if err := c.rebuildJournalLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// ---- journal ----

func (c *Cache) readJournal() error {
	f, err := c.fs.Open(c.path(journalFile))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: open journal")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]string, 5)
	for i := range header {
		line, err := r.ReadString('\n')
		if err != nil {
			return errCorrupt
		}
		header[i] = strings.TrimSuffix(line, "\n")
	}
	if header[0] != magic || header[1] != formatVersion ||
		header[2] != strconv.Itoa(c.appVersion) ||
		header[3] != strconv.Itoa(c.valueCount) || header[4] != "" {
		return errors.WithContext(errCorrupt, "header", strings.Join(header, "|"))
	}

	lines := 0
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				// Truncated last record: the rest of the journal is still usable,
				// but it must be rewritten before appending.
				c.redundant = redundantLimit + 1
			}
			break
		}
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "diskcache: read journal")
		}
		if err := c.readJournalLine(strings.TrimSuffix(line, "\n")); err != nil {
			return err
		}
		lines++
	}
	if c.redundant == 0 {
		c.redundant = lines - c.lru.Len()
	}
	return nil
}

func (c *Cache) readJournalLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return errors.WithContext(errCorrupt, "line", line)
	}
	op, key := parts[0], parts[1]

	if op == opRemove && len(parts) == 2 {
		c.lru.Remove(key)
		return nil
	}

	e, ok := c.lru.Get(key)
	if !ok {
		e = &entry{key: key, lengths: make([]int64, c.valueCount)}
		c.lru.Add(key, e)
	}

	switch {
	case op == opClean && len(parts) == 2+c.valueCount:
		for i, s := range parts[2:] {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n < 0 {
				return errors.WithContext(errCorrupt, "line", line)
			}
			e.lengths[i] = n
		}
		e.readable = true
		e.editor = nil
	case op == opDirty && len(parts) == 2:
		e.editor = &Editor{c: c, e: e}
	case op == opRead && len(parts) == 2:
		// recency already updated by Get
	default:
		return errors.WithContext(errCorrupt, "line", line)
	}
	return nil
}

// processJournal computes the initial size and drops entries whose edit never
// finished.
func (c *Cache) processJournal() error {
	_ = c.fs.Remove(c.path(journalFileTmp))
	for _, key := range c.lru.Keys() {
		e, _ := c.lru.Peek(key)
		if e.editor == nil {
			for _, n := range e.lengths {
				c.size += n
			}
			continue
		}
		e.editor = nil
		for i := 0; i < c.valueCount; i++ {
			_ = c.fs.Remove(c.cleanFile(key, i))
			_ = c.fs.Remove(c.dirtyFile(key, i))
		}
		c.lru.Remove(key)
	}
	return nil
}

func (c *Cache) openJournalForAppend() error {
	f, err := c.fs.OpenFile(c.path(journalFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: open journal for append")
	}
	c.journal = f
	c.journalW = bufio.NewWriter(f)
	if c.redundant > redundantLimit {
		return c.rebuildJournalLocked()
	}
	return nil
}

// rebuildJournalLocked writes a compact journal that holds only live entries.
func (c *Cache) rebuildJournalLocked() error {
	if c.journal != nil {
		_ = c.journalW.Flush()
		_ = c.journal.Close()
		c.journal, c.journalW = nil, nil
	}

	f, err := c.fs.Create(c.path(journalFileTmp))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: create journal")
	}
	w := bufio.NewWriter(f)
	_, _ = w.WriteString(magic + "\n" + formatVersion + "\n" +
		strconv.Itoa(c.appVersion) + "\n" + strconv.Itoa(c.valueCount) + "\n\n")
	for _, key := range c.lru.Keys() {
		e, _ := c.lru.Peek(key)
		if e.editor != nil {
			_, _ = w.WriteString(opDirty + " " + key + "\n")
		} else {
			_, _ = w.WriteString(opClean + " " + key + e.lengthsString() + "\n")
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, errors.CodeInternal, "diskcache: write journal")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: close journal")
	}

	if c.exists(journalFile) {
		if err := c.replace(c.path(journalFile), c.path(journalFileBackup)); err != nil {
			return err
		}
	}
	if err := c.replace(c.path(journalFileTmp), c.path(journalFile)); err != nil {
		return err
	}
	_ = c.fs.Remove(c.path(journalFileBackup))

	f, err = c.fs.OpenFile(c.path(journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: reopen journal")
	}
	c.journal = f
	c.journalW = bufio.NewWriter(f)
	c.redundant = 0
	return nil
}

// record appends one journal line and flushes it. Failures are logged; the
// in-memory index stays authoritative until the next rebuild.
func (c *Cache) record(op, key, suffix string) {
	if c.journalW == nil {
		return
	}
	if _, err := c.journalW.WriteString(op + " " + key + suffix + "\n"); err == nil {
		err = c.journalW.Flush()
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Str("key", key).Msg("disk cache journal flush failed")
		return
	}
	c.log.Warn().Str("key", key).Msg("disk cache journal write failed")
}

func (c *Cache) rebuildRequired() bool {
	return c.redundant >= redundantLimit && c.redundant >= c.lru.Len()
}

// cleanupLocked enforces the size bound and compacts the journal if needed.
func (c *Cache) cleanupLocked() {
	c.trimToSizeLocked()
	if c.rebuildRequired() {
		if err := c.rebuildJournalLocked(); err != nil {
			c.log.Warn().Err(err).Msg("disk cache journal rebuild failed")
		}
	}
}

func (c *Cache) trimToSizeLocked() {
	if c.size <= c.maxSize {
		return
	}
	for _, key := range c.lru.Keys() {
		if c.size <= c.maxSize {
			return
		}
		c.removeLocked(key)
	}
}

// ---- public API ----

// Get returns a snapshot of the entry, or nil if it is absent or not yet
// readable. The caller must Close the snapshot.
func (c *Cache) Get(key string) (*Snapshot, error) {
	if !keyPattern.MatchString(key) {
		return nil, invalidKey(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e, ok := c.lru.Get(key)
	if !ok || !e.readable {
		return nil, nil
	}

	files := make([]billy.File, 0, c.valueCount)
	for i := 0; i < c.valueCount; i++ {
		f, err := c.fs.Open(c.cleanFile(key, i))
		if err != nil {
			// A value file vanished behind our back: treat as a miss.
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, nil
		}
		files = append(files, f)
	}

	c.redundant++
	c.record(opRead, key, "")
	if c.rebuildRequired() {
		c.cleanupLocked()
	}
	lengths := append([]int64(nil), e.lengths...)
	return &Snapshot{key: key, files: files, lengths: lengths}, nil
}

// Edit starts an edit of key. It returns a nil editor when another edit of
// the same key is in progress.
func (c *Cache) Edit(key string) (*Editor, error) {
	if !keyPattern.MatchString(key) {
		return nil, invalidKey(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e, ok := c.lru.Get(key)
	if !ok {
		e = &entry{key: key, lengths: make([]int64, c.valueCount)}
		c.lru.Add(key, e)
	} else if e.editor != nil {
		return nil, nil
	}

	ed := &Editor{c: c, e: e, written: make([]bool, c.valueCount)}
	e.editor = ed
	c.record(opDirty, key, "")
	return ed, nil
}

// Remove drops the entry for key. It returns false if the entry is absent or
// being edited.
func (c *Cache) Remove(key string) (bool, error) {
	if !keyPattern.MatchString(key) {
		return false, invalidKey(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	removed := c.removeLocked(key)
	if removed && c.rebuildRequired() {
		c.cleanupLocked()
	}
	return removed, nil
}

func (c *Cache) removeLocked(key string) bool {
	e, ok := c.lru.Peek(key)
	if !ok || e.editor != nil {
		return false
	}
	for i := 0; i < c.valueCount; i++ {
		if err := c.fs.Remove(c.cleanFile(key, i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Str("key", key).Msg("disk cache failed to delete value")
		}
		c.size -= e.lengths[i]
		e.lengths[i] = 0
	}
	c.redundant++
	c.record(opRemove, key, "")
	c.lru.Remove(key)
	return true
}

// Size returns the total bytes of committed values.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the configured byte bound.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// Len returns the number of indexed entries, including ones being created.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Dir returns the store directory.
func (c *Cache) Dir() string { return c.dir }

// Flush enforces the size bound and flushes the journal.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.trimToSizeLocked()
	if err := c.journalW.Flush(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: flush journal")
	}
	return nil
}

// Close aborts in-progress edits, enforces the size bound and closes the
// journal. Closing twice is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.editor != nil {
			_ = c.completeEditLocked(e.editor, false)
		}
	}
	c.trimToSizeLocked()
	c.closed = true

	var err error
	if c.journalW != nil {
		err = c.journalW.Flush()
		if cerr := c.journal.Close(); err == nil {
			err = cerr
		}
		c.journal, c.journalW = nil, nil
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "diskcache: close journal")
	}
	return nil
}

// Delete closes the store and removes its directory.
func (c *Cache) Delete() error {
	_ = c.Close()
	if err := util.RemoveAll(c.fs, c.dir); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "diskcache: remove %s", c.dir)
	}
	return nil
}

// completeEditLocked finishes ed, publishing its values on success.
func (c *Cache) completeEditLocked(ed *Editor, success bool) error {
	e := ed.e
	if e.editor != ed {
		return ErrStaleEditor
	}

	if success && !e.readable {
		for i := 0; i < c.valueCount; i++ {
			if !ed.written[i] || !c.exists(c.dirtyName(e.key, i)) {
				c.finishLocked(ed, false)
				return errors.Wrapf(ErrIncomplete, errors.CodeInvalidInput, "diskcache: %s has no value %d", e.key, i)
			}
		}
	}
	c.finishLocked(ed, success)
	return nil
}

func (c *Cache) finishLocked(ed *Editor, success bool) {
	e := ed.e
	for i := 0; i < c.valueCount; i++ {
		dirty := c.dirtyFile(e.key, i)
		if !success {
			_ = c.fs.Remove(dirty)
			continue
		}
		if !c.exists(c.dirtyName(e.key, i)) {
			continue
		}
		clean := c.cleanFile(e.key, i)
		if err := c.replace(dirty, clean); err != nil {
			c.log.Warn().Err(err).Str("key", e.key).Msg("disk cache failed to publish value")
			continue
		}
		fi, err := c.fs.Stat(clean)
		if err != nil {
			continue
		}
		c.size += fi.Size() - e.lengths[i]
		e.lengths[i] = fi.Size()
	}

	c.redundant++
	e.editor = nil
	if e.readable || success {
		e.readable = true
		c.record(opClean, e.key, e.lengthsString())
	} else {
		c.lru.Remove(e.key)
		c.record(opRemove, e.key, "")
	}
	if c.size > c.maxSize || c.rebuildRequired() {
		c.cleanupLocked()
	}
}

// ---- helpers ----

func invalidKey(key string) error {
	return errors.Wrapf(ErrInvalidKey, errors.CodeInvalidInput, "diskcache: invalid key %q", key)
}

func (e *entry) lengthsString() string {
	var b strings.Builder
	for _, n := range e.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}

func (c *Cache) path(name string) string { return c.fs.Join(c.dir, name) }

func (c *Cache) cleanFile(key string, i int) string {
	return c.path(key + "." + strconv.Itoa(i))
}

func (c *Cache) dirtyName(key string, i int) string {
	return key + "." + strconv.Itoa(i) + ".tmp"
}

func (c *Cache) dirtyFile(key string, i int) string {
	return c.path(c.dirtyName(key, i))
}

// exists reports whether name (relative to dir) exists.
func (c *Cache) exists(name string) bool {
	_, err := c.fs.Stat(c.path(name))
	return err == nil
}

// replace renames from → to, removing an existing target first if the
// filesystem refuses to overwrite.
func (c *Cache) replace(from, to string) error {
	if err := c.fs.Rename(from, to); err == nil {
		return nil
	}
	_ = c.fs.Remove(to)
	if err := c.fs.Rename(from, to); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "diskcache: rename %s", from)
	}
	return nil
}

// wipe removes every file of the store and resets the index.
func (c *Cache) wipe() error {
	if c.journal != nil {
		_ = c.journal.Close()
		c.journal, c.journalW = nil, nil
	}
	if err := util.RemoveAll(c.fs, c.dir); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "diskcache: wipe %s", c.dir)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "diskcache: create %s", c.dir)
	}
	c.lru.Purge()
	c.size = 0
	c.redundant = 0
	return nil
}
