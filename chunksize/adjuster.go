// Package chunksize implements the adaptive chunk-size controller: a small
// stateful type whose next setting is derived from an observed signal, not
// a general-purpose congestion control stack.
package chunksize

import (
	"time"

	"github.com/NebulousLabs/errors"
)

// ErrInvalidBounds is returned when minSize > maxSize.
var ErrInvalidBounds = errors.New("minSize must not exceed maxSize")

// ErrInitialOutOfBounds is returned when initialSize is outside [minSize, maxSize].
var ErrInitialOutOfBounds = errors.New("initialSize must lie within [minSize, maxSize]")

// ErrInvalidTargetTime is returned when targetTime is not positive.
var ErrInvalidTargetTime = errors.New("targetTime must be positive")

// Config parameterizes an Adjuster.
type Config struct {
	InitialSize int64
	MinSize     int64
	MaxSize     int64
	TargetTime  time.Duration // defaults to 3s if zero
}

// Adjuster tracks the chunk size a single upload task should use next,
// growing it when uploads run fast and shrinking it when they run slow. It
// is stateful and not safe for concurrent use — a task owns exactly one
// instance.
type Adjuster struct {
	initial    int64
	min        int64
	max        int64
	targetTime time.Duration
	current    int64
}

// New constructs an Adjuster, validating the invariant min <= initial <= max
// and that targetTime is positive.
func New(cfg Config) (*Adjuster, error) {
	targetTime := cfg.TargetTime
	if targetTime == 0 {
		targetTime = 3000 * time.Millisecond
	}
	if cfg.MinSize > cfg.MaxSize {
		return nil, ErrInvalidBounds
	}
	if cfg.InitialSize < cfg.MinSize || cfg.InitialSize > cfg.MaxSize {
		return nil, ErrInitialOutOfBounds
	}
	if targetTime <= 0 {
		return nil, ErrInvalidTargetTime
	}
	return &Adjuster{
		initial:    cfg.InitialSize,
		min:        cfg.MinSize,
		max:        cfg.MaxSize,
		targetTime: targetTime,
		current:    cfg.InitialSize,
	}, nil
}

// CurrentSize returns the chunk size that should be used for the next slice.
func (a *Adjuster) CurrentSize() int64 { return a.current }

// Adjust feeds back the observed upload time for the most recently completed
// chunk and returns the size to use for the next one. Faster than half the
// target doubles the size (capped at max); slower than
// 1.5x the target halves it (floored at min); otherwise the size is
// unchanged. The invariant min <= current <= max always holds.
func (a *Adjuster) Adjust(uploadTime time.Duration) int64 {
	fast := time.Duration(float64(a.targetTime) * 0.5)
	slow := time.Duration(float64(a.targetTime) * 1.5)
	switch {
	case uploadTime < fast:
		next := a.current * 2
		if next > a.max {
			next = a.max
		}
		a.current = next
	case uploadTime > slow:
		next := a.current / 2
		if next < a.min {
			next = a.min
		}
		a.current = next
	}
	return a.current
}

// Reset restores the chunk size to the value the Adjuster was constructed
// with.
func (a *Adjuster) Reset() {
	a.current = a.initial
}
