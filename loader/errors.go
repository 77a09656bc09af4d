package loader

import (
	"github.com/jmgilman/go/errors"

	"github.com/IvanBrykalov/imgcache/jobs"
)

var (
	// ErrReleased is returned by reads on a released loader. It wraps
	// jobs.ErrInterrupted so background jobs that observe it end silently.
	ErrReleased = errors.Wrap(jobs.ErrInterrupted, errors.CodeUnavailable, "loader: released")
	// ErrAlreadyReleased is returned by a second Release.
	ErrAlreadyReleased = errors.New(errors.CodeConflict, "loader: already released")
	// ErrNotFound is returned by Prefetch when the source has no image.
	ErrNotFound = errors.New(errors.CodeNotFound, "loader: image not available")
	// ErrNotCached is returned by Prefetch when the result does not fit the
	// memory cache.
	ErrNotCached = errors.New(errors.CodeInvalidInput, "loader: image larger than the memory cache")
)
