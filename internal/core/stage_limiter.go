package core

// stage_limiter.go bounds how many uploads are parsed, validated and staged
// at once. Each stage call holds a whole file in memory, so the limit caps
// peak memory under bursts. Callers wait up to maxWait for a slot before
// failing with ErrTooManyStages.

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrTooManyStages is returned when every slot stays busy past the wait.
var ErrTooManyStages = errors.New("too many uploads in progress, please try again later")

// DefaultMaxConcurrentStages is the default limit for parallel stage calls.
const DefaultMaxConcurrentStages = 5

// DefaultStageWait is how long to wait for a slot before rejecting.
const DefaultStageWait = 30 * time.Second

// StageLimiter is a counting semaphore for stage calls.
type StageLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewStageLimiter allows at most maxConcurrent simultaneous stage calls.
func NewStageLimiter(maxConcurrent int, maxWait time.Duration) *StageLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentStages
	}
	if maxWait <= 0 {
		maxWait = DefaultStageWait
	}
	return &StageLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire takes a slot. The caller must call Release when done.
func (l *StageLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		// Distinguish caller cancellation from our own timeout.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyStages
	}
}

// Release frees a slot taken by Acquire.
func (l *StageLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.semaphore
}

// ActiveCount returns the number of stage calls in progress.
func (l *StageLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until no stage call is in progress or ctx ends.
// Used on shutdown.
func (l *StageLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StageLimiterStatus is a snapshot for health output.
type StageLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state.
func (l *StageLimiter) Status() StageLimiterStatus {
	active := l.ActiveCount()
	return StageLimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}
