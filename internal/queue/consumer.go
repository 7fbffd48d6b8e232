package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"photoflow/internal/logging"

	"github.com/go-redis/redis/v8"
)

// Handler processes one delivered job. A nil return acknowledges the job; a
// non-nil return counts one attempt and either schedules a retry or, when the
// attempt budget is spent or the error is marked NoRetry, dead-letters it.
type Handler func(ctx context.Context, env *Envelope) error

type noRetryError struct {
	err error
}

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks an error as non-retriable, such as a malformed payload.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

func isNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}

// Consumer pulls jobs from one queue with a fixed number of worker
// goroutines, each blocking on BRPOP.
type Consumer struct {
	client      *Client
	queue       string
	handler     Handler
	concurrency int
	active      atomic.Int64
}

func NewConsumer(client *Client, queue string, concurrency int, handler Handler) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		client:      client,
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
	}
}

// Active returns the number of jobs currently being handled.
func (c *Consumer) Active() int64 {
	return c.active.Load()
}

// Run blocks until the context is cancelled and all worker goroutines have
// drained their in-flight job.
func (c *Consumer) Run(ctx context.Context) {
	logging.Info("queue: consuming %s with %d worker(s)", c.queue, c.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	logging.Info("queue: stopped consuming %s", c.queue)
}

func (c *Consumer) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		val, err := c.client.rdb.BRPop(ctx, 5*time.Second, listKey(c.queue)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logging.Warn("queue: BRPOP on %s failed: %v", c.queue, err)
			time.Sleep(time.Second)
			continue
		}
		if len(val) < 2 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(val[1]), &env); err != nil {
			logging.Error("queue: dropping undecodable message on %s: %v", c.queue, err)
			continue
		}
		env.Queue = c.queue

		c.active.Add(1)
		c.handle(ctx, worker, &env)
		c.active.Add(-1)
	}
}

func (c *Consumer) handle(ctx context.Context, worker int, env *Envelope) {
	logging.Debug("queue: worker %d on %s picked up job %s (attempt %d/%d)",
		worker, c.queue, env.ID, env.AttemptsMade+1, env.MaxAttempts)

	err := c.handler(ctx, env)
	if err == nil {
		return
	}

	env.AttemptsMade++
	terminal := isNoRetry(err) || env.AttemptsMade >= env.MaxAttempts

	// Requeue bookkeeping must survive shutdown of the handler context.
	ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if terminal {
		logging.Error("queue: job %s on %s failed terminally after %d attempt(s): %v",
			env.ID, c.queue, env.AttemptsMade, err)
		if dlqErr := c.client.deadLetter(ackCtx, env); dlqErr != nil {
			logging.Error("queue: failed to dead-letter job %s: %v", env.ID, dlqErr)
		}
		return
	}

	logging.Warn("queue: job %s on %s failed (attempt %d/%d), retrying: %v",
		env.ID, c.queue, env.AttemptsMade, env.MaxAttempts, err)
	if retryErr := c.client.retryLater(ackCtx, env); retryErr != nil {
		logging.Error("queue: failed to schedule retry for job %s: %v", env.ID, retryErr)
	}
}
