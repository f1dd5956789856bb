package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/store/kv"
)

func TestSetGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	// overwrite
	require.NoError(t, s.Set(ctx, "k", []byte("v2"), time.Minute))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestGet_Missing(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestGet_Expired(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), -time.Second))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSetNX(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on a live key must lose")

	v, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)
}

func TestSetNX_ExpiredKeyIsFree(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", []byte("a"), -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired key is up for grabs")
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	// deleting a missing key is fine
	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestHealthy(t *testing.T) {
	assert.NoError(t, New().Healthy(context.Background()))
}
