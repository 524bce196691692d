package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrMaxRetriesExceeded is returned by Wait once a strategy has run out of attempts.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Strategy decides how long to wait between two attempts of an operation.
type Strategy interface {
	// Wait blocks for the next delay. It fails if ctx is done or no attempts are left.
	Wait(ctx context.Context) error
	// Reset starts counting attempts from zero again.
	Reset()
}

// fixed waits the same delay between attempts.
type fixed struct {
	delay          time.Duration
	currentAttempt uint
	maxAttempt     uint
}

// NewFixed returns a Strategy that waits delay between attempts and allows maxAttempts waits.
// A maxAttempts of zero never runs out of attempts.
func NewFixed(delay time.Duration, maxAttempts uint) Strategy {
	return &fixed{
		delay:      delay,
		maxAttempt: maxAttempts,
	}
}

func (f *fixed) Wait(ctx context.Context) error {
	if f.maxAttempt > 0 && f.currentAttempt >= f.maxAttempt {
		return ErrMaxRetriesExceeded
	}
	logrus.Debugf("Waiting for %v (attempt %d/%d)", f.delay, f.currentAttempt+1, f.maxAttempt)
	if err := Sleep(ctx, f.delay); err != nil {
		return err
	}
	f.currentAttempt++
	return nil
}

func (f *fixed) Reset() {
	f.currentAttempt = 0
}

// exponentialBackoffWithJitter implements the Strategy interface
type exponentialBackoffWithJitter struct {
	baseDelay      time.Duration // Base delay between retries (e.g., 100ms)
	maxDelay       time.Duration // Upper bound for a single delay
	currentAttempt uint          // Track the current attempt number
	maxAttempt     uint          // Zero means unbounded
	randSource     *rand.Rand    // Random source for jittering
}

// NewExponentialBackoffWithJitter creates a new instance of exponentialBackoffWithJitter
func NewExponentialBackoffWithJitter(baseDelay, maxDelay time.Duration, maxAttempts uint) Strategy {
	// Seed the random number generator for jitter
	source := rand.NewSource(time.Now().UnixNano())
	return &exponentialBackoffWithJitter{
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxAttempt: maxAttempts,
		randSource: rand.New(source),
	}
}

// Delay calculates the next backoff time with exponential backoff and jitter
func (e *exponentialBackoffWithJitter) delay() time.Duration {
	// cap the shift, the delay is bounded by maxDelay long before that
	shift := e.currentAttempt
	if shift > 30 {
		shift = 30
	}
	delay := e.baseDelay * time.Duration(1<<shift) // 2^attempt * baseDelay
	if delay <= 0 || delay > e.maxDelay {
		delay = e.maxDelay
	}
	if delay > 0 {
		// Apply jitter in both directions (between -0.5x and +0.5x the delay)
		jitter := time.Duration(e.randSource.Int63n(int64(delay)))
		delay = delay + jitter - (delay / 2)
	}
	// Ensure that delay does not exceed the maximum delay
	if delay > e.maxDelay {
		delay = e.maxDelay
	}
	return delay
}

func (e *exponentialBackoffWithJitter) Wait(ctx context.Context) error {
	if e.maxAttempt > 0 && e.currentAttempt >= e.maxAttempt {
		return ErrMaxRetriesExceeded
	}
	delay := e.delay()
	logrus.Debugf("Waiting for %v (attempt %d/%d)", delay, e.currentAttempt+1, e.maxAttempt)
	if err := Sleep(ctx, delay); err != nil {
		return err
	}
	// Increment the attempt number for the next retry
	e.currentAttempt++
	return nil
}

func (e *exponentialBackoffWithJitter) Reset() {
	e.currentAttempt = 0
}

// Sleep waits for d or until ctx is done, whichever happens first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
