package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/queue"
)

func consume(t *testing.T, q *Queue, name string, h queue.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, name, 1, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestEnqueueConsume(t *testing.T) {
	q := New()
	got := make(chan queue.Message, 1)

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		got <- m
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("payload"), queue.Options{}))

	select {
	case m := <-got:
		assert.Equal(t, "post", m.Name)
		assert.Equal(t, []byte("payload"), m.Payload)
		assert.Equal(t, 1, m.Attempt)
		assert.NotEmpty(t, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("job never delivered")
	}
}

func TestRetryWithBackoff(t *testing.T) {
	q := New()
	attempts := make(chan int, 4)

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		attempts <- m.Attempt
		if m.Attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("x"), queue.Options{
		MaxAttempts: 5,
		Backoff:     20 * time.Millisecond,
	}))

	deadline := time.After(3 * time.Second)
	var seen []int
	for len(seen) < 2 {
		select {
		case a := <-attempts:
			seen = append(seen, a)
		case <-deadline:
			t.Fatalf("expected 2 attempts, saw %v", seen)
		}
	}
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetriesExhaust(t *testing.T) {
	q := New()
	var calls atomic.Int32

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("x"), queue.Options{
		MaxAttempts: 2,
		Backoff:     10 * time.Millisecond,
	}))

	assert.Eventually(t, func() bool {
		return calls.Load() == 2 && q.Pending("post") == 0
	}, 3*time.Second, 10*time.Millisecond)

	// give it a moment to prove no third delivery shows up
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDelayHoldsDelivery(t *testing.T) {
	q := New()
	got := make(chan time.Time, 1)

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		got <- time.Now()
		return nil
	})

	start := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("x"), queue.Options{
		Delay: 150 * time.Millisecond,
	}))

	select {
	case delivered := <-got:
		assert.GreaterOrEqual(t, delivered.Sub(start), 140*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("delayed job never delivered")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	q := New()
	got := make(chan queue.Message, 1)

	consume(t, q, "seed", func(ctx context.Context, m queue.Message) error {
		got <- m
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("other"), queue.Options{}))
	require.NoError(t, q.Enqueue(context.Background(), "seed", []byte("mine"), queue.Options{}))

	select {
	case m := <-got:
		assert.Equal(t, []byte("mine"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("job never delivered")
	}
	assert.Equal(t, 1, q.Pending("post"), "the other queue keeps its job")
}

func TestHealthy(t *testing.T) {
	assert.NoError(t, New().Healthy(context.Background()))
}
