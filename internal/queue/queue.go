package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"photoflow/internal/logging"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Queue names shared by publishers and consumers.
const (
	QueueMediaProcess = "media-process"
	QueueMediaCleanup = "media-cleanup"
	QueueOrphanSweep  = "orphan-sweep"
)

const keyPrefix = "photoflow:queue:"

// Envelope wraps every job on the wire. Attempt bookkeeping travels with the
// job so any worker process can decide between retry and dead-letter.
type Envelope struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	AttemptsMade   int             `json:"attemptsMade"`
	MaxAttempts    int             `json:"maxAttempts"`
	BackoffDelayMs int64           `json:"backoffDelayMs"`
	Payload        json.RawMessage `json:"payload"`
}

// Depth is the per-queue backlog broken down by state.
type Depth struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// PublishOptions tune retry behavior for one published job.
type PublishOptions struct {
	MaxAttempts    int
	BackoffDelayMs int64
}

// Client wraps the shared redis connection with the queue key layout:
// a ready list per queue, a delayed zset scored by due time, and a
// dead-letter list for exhausted jobs.
type Client struct {
	rdb *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func listKey(queue string) string    { return keyPrefix + queue }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }
func deadKey(queue string) string    { return keyPrefix + queue + ":dead" }

// Publish enqueues a payload on the named queue and returns the job id.
func (c *Client) Publish(ctx context.Context, queue string, payload any, opts PublishOptions) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for %s: %w", queue, err)
	}

	env := Envelope{
		ID:             uuid.NewString(),
		Queue:          queue,
		EnqueuedAt:     time.Now().UTC(),
		AttemptsMade:   0,
		MaxAttempts:    opts.MaxAttempts,
		BackoffDelayMs: opts.BackoffDelayMs,
		Payload:        raw,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope for %s: %w", queue, err)
	}

	if err := c.rdb.LPush(ctx, listKey(queue), data).Err(); err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return env.ID, nil
}

// Depths reports the backlog of the named queue. Active jobs are tracked by
// the consumer and merged in by the caller.
func (c *Client) Depths(ctx context.Context, queue string) (Depth, error) {
	pipe := c.rdb.Pipeline()
	waiting := pipe.LLen(ctx, listKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	failed := pipe.LLen(ctx, deadKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read depths for %s: %w", queue, err)
	}
	return Depth{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

// retryLater schedules the envelope for redelivery after its exponential
// backoff delay.
func (c *Client) retryLater(ctx context.Context, env *Envelope) error {
	delay := backoffDelay(env.BackoffDelayMs, env.AttemptsMade)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode retry envelope: %w", err)
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	if err := c.rdb.ZAdd(ctx, delayedKey(env.Queue), &redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to schedule retry on %s: %w", env.Queue, err)
	}
	return nil
}

// deadLetter parks the envelope on the dead-letter list.
func (c *Client) deadLetter(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter envelope: %w", err)
	}
	if err := c.rdb.LPush(ctx, deadKey(env.Queue), data).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter on %s: %w", env.Queue, err)
	}
	return nil
}

// PromoteDue moves retry entries whose due time has passed back onto the
// ready list. Returns the number promoted.
func (c *Client) PromoteDue(ctx context.Context, queue string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := c.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due retries for %s: %w", queue, err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := c.rdb.ZRem(ctx, delayedKey(queue), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim retry for %s: %w", queue, err)
		}
		// Another promoter claimed it first.
		if removed == 0 {
			continue
		}
		if err := c.rdb.LPush(ctx, listKey(queue), member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to requeue retry for %s: %w", queue, err)
		}
		promoted++
	}
	return promoted, nil
}

// RunPromoter periodically promotes due retries for the given queues until
// the context is cancelled.
func (c *Client) RunPromoter(ctx context.Context, interval time.Duration, queues ...string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				n, err := c.PromoteDue(ctx, q)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logging.Warn("queue: promoter error on %s: %v", q, err)
					continue
				}
				if n > 0 {
					logging.Debug("queue: promoted %d delayed job(s) on %s", n, q)
				}
			}
		}
	}
}

// backoffDelay computes the exponential delay for the given completed attempt
// count: base, 2*base, 4*base and so on.
func backoffDelay(baseMs int64, attemptsMade int) time.Duration {
	if baseMs <= 0 {
		baseMs = 1000
	}
	exp := attemptsMade - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 16 {
		exp = 16
	}
	return time.Duration(baseMs<<uint(exp)) * time.Millisecond
}
