// Package imports pulls CSV files from a storage provider on a schedule and
// ingests them into the application's datasets, retrying failed attempts.
package imports

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
)

// Attempt is one try of an import
type Attempt func(ctx context.Context) error

// Executor retries failed attempts with a fixed or exponential delay
type Executor struct {
	log   logrus.FieldLogger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a retry executor
func NewExecutor(log logrus.FieldLogger) *Executor {
	return &Executor{
		log:   logging.OrDiscard(log),
		sleep: sleepContext,
	}
}

// Run calls attempt up to MaxRetries+1 times. Between attempts it sleeps
// RetryInterval seconds, doubled per attempt when ExponentialBackoff is set.
// A rate limit deferral is returned at once without retrying.
func (e *Executor) Run(ctx context.Context, rc config.RetryConfig, attempt Attempt) error {
	if rc.MaxRetries < 0 {
		rc.MaxRetries = 0
	}

	var last error
	for n := 0; n <= rc.MaxRetries; n++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if _, deferred := ratelimit.AsDeferred(err); deferred {
			return err
		}
		last = err

		if n == rc.MaxRetries {
			break
		}
		delay := Delay(rc, n)
		e.log.WithError(err).WithFields(logrus.Fields{
			"attempt":    n + 1,
			"maxRetries": rc.MaxRetries,
			"delay":      delay.String(),
		}).Warn("Import attempt failed, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("import failed after %d attempts: %w", rc.MaxRetries+1, last)
}

// SkipRetry calls attempt once. Manual runs use it so the caller sees the
// first failure immediately.
func (e *Executor) SkipRetry(ctx context.Context, attempt Attempt) error {
	return attempt(ctx)
}

// Delay returns the wait after the zero based attempt n
func Delay(rc config.RetryConfig, n int) time.Duration {
	delay := time.Duration(rc.RetryInterval) * time.Second
	if rc.ExponentialBackoff {
		delay <<= uint(n)
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
