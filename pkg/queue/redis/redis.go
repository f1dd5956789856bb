// Package redis implements queue.Queue on a Redis sorted set per job name,
// scored by ready-at time. A claim moves the member into a companion
// in-flight set scored by a visibility deadline and removes it there only
// after the handler finishes, so a consumer crash mid-job leaves the member
// durable; the reclaim sweep re-queues expired in-flight members. Delivery
// is therefore at-least-once: a job can be redelivered, never lost.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Second
	pollInterval       = 500 * time.Millisecond

	// defaultVisibility is how long a claimed job may run before the
	// reclaim sweep assumes its consumer died and re-queues it.
	defaultVisibility = 5 * time.Minute
)

// envelope is the wire form of a scheduled job.
type envelope struct {
	ID          string `json:"id"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	BackoffMs   int64  `json:"backoffMs"`
}

// Queue implements queue.Queue on Redis.
type Queue struct {
	client     *goredis.Client
	visibility time.Duration
}

// New wraps an existing Redis client. The client is shared with the KV
// store; the queue only owns its own key namespace.
func New(client *goredis.Client) *Queue {
	return &Queue{client: client, visibility: defaultVisibility}
}

func queueKey(name string) string    { return "queue:" + name }
func inflightKey(name string) string { return "queue:" + name + ":inflight" }
func deadKey(name string) string     { return "queue:" + name + ":dead" }

// Enqueue schedules a job for delivery after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts Options) error {
	return q.schedule(ctx, name, envelope{
		ID:          uuid.NewString(),
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: orDefault(opts.MaxAttempts, defaultMaxAttempts),
		BackoffMs:   orDefaultDur(opts.Backoff, defaultBackoff).Milliseconds(),
	}, time.Now().Add(opts.Delay))
}

// Options aliases queue.Options so callers importing only this package
// read naturally.
type Options = queue.Options

func (q *Queue) schedule(ctx context.Context, name string, env envelope, readyAt time.Time) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = q.client.ZAdd(ctx, queueKey(name), goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(body),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return nil
}

// Consume runs concurrency workers polling for ready jobs until ctx ends.
func (q *Queue) Consume(ctx context.Context, name string, concurrency int, h queue.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			return q.consumeLoop(ctx, name, worker, h)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (q *Queue) consumeLoop(ctx context.Context, name string, worker int, h queue.Handler) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := q.reclaim(ctx, name); err != nil && ctx.Err() == nil {
			logger.Warn("in-flight reclaim failed", logger.KeyJob, name, "error", err)
		}

		for {
			claimed, member, env, err := q.claim(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("job claim failed",
					logger.KeyJob, name, "error", err)
				break
			}
			if !claimed {
				break
			}
			q.deliver(ctx, name, worker, member, env, h)
		}
	}
}

// claim pops one ready job. The member lands in the in-flight set before
// the ZREM on the ready set, so there is no moment where a claimed job
// exists in neither set; the ZREM is the claim, and under concurrent
// consumers only the one whose ZREM removes the member proceeds.
func (q *Queue) claim(ctx context.Context, name string) (bool, string, envelope, error) {
	var env envelope
	now := time.Now()
	members, err := q.client.ZRangeByScore(ctx, queueKey(name), &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", float64(now.UnixMilli())), Count: 1,
	}).Result()
	if err != nil {
		return false, "", env, err
	}
	if len(members) == 0 {
		return false, "", env, nil
	}
	member := members[0]

	if err := q.client.ZAdd(ctx, inflightKey(name), goredis.Z{
		Score:  float64(now.Add(q.visibility).UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return false, "", env, err
	}
	removed, err := q.client.ZRem(ctx, queueKey(name), member).Result()
	if err != nil {
		return false, "", env, err
	}
	if removed == 0 {
		// Lost the race; the winner owns the in-flight entry now. The
		// caller retries immediately.
		return false, "", env, nil
	}
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		q.release(ctx, name, member)
		return false, "", env, fmt.Errorf("failed to decode job: %w", err)
	}
	return true, member, env, nil
}

// release drops a job's in-flight entry once its outcome is durable
// elsewhere (done, rescheduled, or dead-lettered).
func (q *Queue) release(ctx context.Context, name, member string) {
	if err := q.client.ZRem(ctx, inflightKey(name), member).Err(); err != nil {
		logger.Warn("failed to release in-flight job", logger.KeyJob, name, "error", err)
	}
}

// reclaim re-queues in-flight members whose visibility deadline passed:
// their consumer died mid-job. Redelivery of a job whose consumer is merely
// slow is possible and accepted.
func (q *Queue) reclaim(ctx context.Context, name string) error {
	now := time.Now()
	members, err := q.client.ZRangeByScore(ctx, inflightKey(name), &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", float64(now.UnixMilli())),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		if err := q.client.ZAdd(ctx, queueKey(name), goredis.Z{
			Score:  float64(now.UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return err
		}
		if err := q.client.ZRem(ctx, inflightKey(name), member).Err(); err != nil {
			return err
		}
		logger.Warn("re-queued abandoned in-flight job", logger.KeyJob, name)
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, name string, worker int, member string, env envelope, h queue.Handler) {
	err := h(ctx, queue.Message{
		ID:      env.ID,
		Name:    name,
		Payload: env.Payload,
		Attempt: env.Attempt,
	})
	if err == nil {
		q.release(ctx, name, member)
		return
	}
	if ctx.Err() != nil {
		// shutdown mid-job: put it back untouched
		bg := context.Background()
		if reErr := q.schedule(bg, name, env, time.Now()); reErr != nil {
			logger.Error("failed to requeue job on shutdown",
				logger.KeyJob, name, "id", env.ID, "error", reErr)
			return
		}
		q.release(bg, name, member)
		return
	}

	if env.Attempt >= env.MaxAttempts {
		logger.Error("job exhausted retries",
			logger.KeyJob, name, "id", env.ID,
			logger.KeyAttempt, env.Attempt, "error", err)
		body, _ := json.Marshal(env)
		if dlErr := q.client.LPush(ctx, deadKey(name), string(body)).Err(); dlErr != nil {
			logger.Error("failed to dead-letter job",
				logger.KeyJob, name, "id", env.ID, "error", dlErr)
			return
		}
		q.release(ctx, name, member)
		return
	}

	backoff := time.Duration(env.BackoffMs) * time.Millisecond
	delay := backoff << (env.Attempt - 1)
	logger.Warn("job failed, retrying",
		logger.KeyJob, name, logger.KeyWorker, worker, "id", env.ID,
		logger.KeyAttempt, env.Attempt, "delay", delay, "error", err)
	env.Attempt++
	if reErr := q.schedule(ctx, name, env, time.Now().Add(delay)); reErr != nil {
		logger.Error("failed to reschedule job",
			logger.KeyJob, name, "id", env.ID, "error", reErr)
		return
	}
	q.release(ctx, name, member)
}

func (q *Queue) Healthy(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
