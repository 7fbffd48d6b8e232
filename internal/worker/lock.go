package worker

import (
	"context"
	"fmt"
	"time"

	"photoflow/internal/database"
	"photoflow/internal/logging"
)

const (
	defaultLockRetryAttempts = 5
	defaultLockRetryDelay    = 200 * time.Millisecond
)

// LockUnavailableError reports exhausted lock acquisition. It is a transient
// resource conflict, distinct from processing failures, and is retried at the
// queue level.
type LockUnavailableError struct {
	AssetID  string
	Attempts int
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("unable to acquire processing lock for %s after %d attempt(s)", e.AssetID, e.Attempts)
}

// acquireLockWithRetry tries the per-asset lock a bounded number of times
// with linearly increasing delay between attempts.
func (p *Processor) acquireLockWithRetry(ctx context.Context, queueName, jobID, assetID string, attempts int, baseDelay time.Duration) (*database.ProcessingLock, error) {
	if attempts <= 0 {
		attempts = defaultLockRetryAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultLockRetryDelay
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		lock, err := p.catalog.AcquireProcessingLock(ctx, assetID, true)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}

		if attempt < attempts {
			backoff := baseDelay * time.Duration(attempt)
			logging.Warn("worker: processing lock busy for %s on %s (job %s, attempt %d/%d), retrying in %v",
				assetID, queueName, jobID, attempt, attempts, backoff)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, &LockUnavailableError{AssetID: assetID, Attempts: attempts}
}
