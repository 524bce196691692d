package healthchecker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/backoff"
)

// ErrCommitVerificationFailed is returned once all verification attempts failed.
var ErrCommitVerificationFailed = errors.New("commit verification failed")

// CommitVerifier retries a health check a fixed number of times with a fixed delay.
type CommitVerifier struct {
	Check    HealthChecker
	Attempts uint
	Delay    time.Duration
}

// Verify returns nil as soon as one attempt succeeds.
// It returns ErrCommitVerificationFailed joined with the last failure once all attempts are used up.
func (c *CommitVerifier) Verify(ctx context.Context) error {
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewFixed(c.Delay, 0)
	for attempt := uint(1); ; attempt++ {
		err := c.Check.HealthCheck(ctx)
		if err == nil {
			log.Infof("commit verification succeeded on attempt %d/%d", attempt, attempts)
			return nil
		}
		log.WithError(err).Warnf("commit verification attempt %d/%d failed", attempt, attempts)
		if attempt >= attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrCommitVerificationFailed, attempts, err)
		}
		if waitErr := b.Wait(ctx); waitErr != nil {
			return fmt.Errorf("%w: %w", ErrCommitVerificationFailed, waitErr)
		}
	}
}
