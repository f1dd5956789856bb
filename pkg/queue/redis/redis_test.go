package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/queue"
)

func testQueue(t *testing.T) (*Queue, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), client
}

func consume(t *testing.T, q *Queue, name string, h queue.Handler) {
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
}

func TestEnqueueConsume(t *testing.T) {
	q, _ := testQueue(t)
	got := make(chan queue.Message, 1)

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		got <- m
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("payload"), Options{}))

	select {
	case m := <-got:
		assert.Equal(t, "post", m.Name)
		assert.Equal(t, []byte("payload"), m.Payload)
		assert.Equal(t, 1, m.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("job never delivered")
	}
}

func TestRetryBumpsAttempt(t *testing.T) {
	q, _ := testQueue(t)
	attempts := make(chan int, 4)

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		attempts <- m.Attempt
		if m.Attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("x"), Options{
		MaxAttempts: 5,
		Backoff:     10 * time.Millisecond,
	}))

	deadline := time.After(10 * time.Second)
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

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	q, client := testQueue(t)
	delivered := make(chan struct{}, 1)

	consume(t, q, "post", func(ctx context.Context, m queue.Message) error {
		delivered <- struct{}{}
		return errors.New("always fails")
	})

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("x"), Options{
		MaxAttempts: 1,
		Backoff:     10 * time.Millisecond,
	}))

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never delivered")
	}

	assert.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "queue:post:dead").Result()
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)

	n, err := client.ZCard(context.Background(), "queue:post").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "exhausted job must leave the live queue")

	n, err = client.ZCard(context.Background(), "queue:post:inflight").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "dead-lettered job must not stay in flight")
}

func TestDelayedJobStaysScheduled(t *testing.T) {
	q, client := testQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "post", []byte("x"), Options{
		Delay: time.Hour,
	}))

	n, err := client.ZCard(context.Background(), "queue:post").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// not ready yet, so a claim attempt finds nothing
	claimed, _, _, err := q.claim(context.Background(), "post")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaimedJobStaysDurableUntilHandled(t *testing.T) {
	q, client := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "post", []byte("x"), Options{}))

	claimed, member, env, err := q.claim(ctx, "post")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, 1, env.Attempt)

	// the job is out of the ready set but held durably in flight, so a
	// consumer crash at this point cannot lose it
	ready, err := client.ZCard(ctx, "queue:post").Result()
	require.NoError(t, err)
	assert.Zero(t, ready)
	inflight, err := client.ZCard(ctx, "queue:post:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	// completing the job releases the in-flight entry
	q.release(ctx, "post", member)
	inflight, err = client.ZCard(ctx, "queue:post:inflight").Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestAbandonedJobIsReclaimed(t *testing.T) {
	q, client := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "post", []byte("x"), Options{}))

	claimed, member, _, err := q.claim(ctx, "post")
	require.NoError(t, err)
	require.True(t, claimed)

	// simulate a dead consumer: its visibility deadline is in the past
	require.NoError(t, client.ZAdd(ctx, "queue:post:inflight", goredis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: member,
	}).Err())

	require.NoError(t, q.reclaim(ctx, "post"))

	inflight, err := client.ZCard(ctx, "queue:post:inflight").Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)

	// the job is claimable again with its payload intact
	claimed, _, env, err := q.claim(ctx, "post")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, []byte("x"), env.Payload)
}

func TestReclaimLeavesLiveJobsAlone(t *testing.T) {
	q, client := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "post", []byte("x"), Options{}))
	claimed, _, _, err := q.claim(ctx, "post")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, q.reclaim(ctx, "post"))

	// still within its visibility window: not re-queued
	ready, err := client.ZCard(ctx, "queue:post").Result()
	require.NoError(t, err)
	assert.Zero(t, ready)
	inflight, err := client.ZCard(ctx, "queue:post:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)
}

func TestHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client)
	assert.NoError(t, q.Healthy(context.Background()))

	mr.Close()
	assert.Error(t, q.Healthy(context.Background()))
}
