// Package memory implements queue.Queue in process. Scheduling semantics
// mirror the redis variant so tests exercise the same retry behavior.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Second
	pollInterval       = 10 * time.Millisecond
)

type job struct {
	id          string
	payload     []byte
	attempt     int
	maxAttempts int
	backoff     time.Duration
	readyAt     time.Time
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue implements queue.Queue in memory.
type Queue struct {
	mu     sync.Mutex
	queues map[string]*jobHeap
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{queues: make(map[string]*jobHeap)}
}

func (q *Queue) heapFor(name string) *jobHeap {
	h, ok := q.queues[name]
	if !ok {
		h = &jobHeap{}
		q.queues[name] = h
	}
	return h
}

// Enqueue schedules a job for delivery after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts queue.Options) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	q.push(name, &job{
		id:          uuid.NewString(),
		payload:     payload,
		attempt:     1,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		readyAt:     time.Now().Add(opts.Delay),
	})
	return nil
}

func (q *Queue) push(name string, j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(q.heapFor(name), j)
}

func (q *Queue) pop(name string) *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.heapFor(name)
	if h.Len() == 0 || (*h)[0].readyAt.After(time.Now()) {
		return nil
	}
	return heap.Pop(h).(*job)
}

// Pending reports how many jobs are scheduled under a name, ready or not.
// Test helper.
func (q *Queue) Pending(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heapFor(name).Len()
}

// Consume runs concurrency workers polling for ready jobs until ctx ends.
func (q *Queue) Consume(ctx context.Context, name string, concurrency int, h queue.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				for {
					j := q.pop(name)
					if j == nil {
						break
					}
					q.deliver(ctx, name, j, h)
				}
			}
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (q *Queue) deliver(ctx context.Context, name string, j *job, h queue.Handler) {
	err := h(ctx, queue.Message{
		ID:      j.id,
		Name:    name,
		Payload: j.payload,
		Attempt: j.attempt,
	})
	if err == nil {
		return
	}
	if j.attempt >= j.maxAttempts {
		logger.Error("job exhausted retries",
			logger.KeyJob, name, "id", j.id,
			logger.KeyAttempt, j.attempt, "error", err)
		return
	}
	delay := j.backoff << (j.attempt - 1)
	j.attempt++
	j.readyAt = time.Now().Add(delay)
	q.push(name, j)
}

func (q *Queue) Healthy(ctx context.Context) error { return nil }
