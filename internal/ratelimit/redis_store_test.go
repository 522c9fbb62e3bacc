package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "perimeter:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_FixedWindow(t *testing.T) {
	s, mr := newRedisStore(t)
	l := NewLimiter(s)
	cfg := Config{Name: "api", MaxRequests: 3, Window: time.Minute}
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		res, err := l.Check(ctx, "1.2.3.4", cfg)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}
	res, err := l.Check(ctx, "1.2.3.4", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, mr.Exists("perimeter:api:1.2.3.4"))

	mr.FastForward(time.Minute + time.Millisecond)
	res, err = l.Check(ctx, "1.2.3.4", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestRedisStore_ResetTimeFollowsTTL(t *testing.T) {
	s, _ := newRedisStore(t)
	before := time.Now()
	e, err := s.Hit(context.Background(), "k", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Count)
	assert.WithinDuration(t, before.Add(10*time.Second), e.ResetAt, time.Second)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), "redis://"+addr, "")
	require.Error(t, err)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not-a-url", "")
	require.Error(t, err)
}
