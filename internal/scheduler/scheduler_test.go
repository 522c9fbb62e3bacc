package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestScheduler_RunsOnEachTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	var runs atomic.Int32
	s.Every("reset", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(1)
	assert.Equal(t, int32(0), runs.Load())

	clock.Advance(time.Hour)
	waitFor(t, func() bool { return runs.Load() == 1 })

	clock.Advance(time.Hour)
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestScheduler_PanicAndErrorDoNotStopTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	var runs atomic.Int32
	s.Every("flaky", time.Minute, func(ctx context.Context) error {
		n := runs.Add(1)
		switch n {
		case 1:
			panic("boom")
		case 2:
			return errors.New("failed")
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(1)
	for i := 1; i <= 3; i++ {
		clock.Advance(time.Minute)
		want := int32(i)
		waitFor(t, func() bool { return runs.Load() == want })
	}
}

func TestScheduler_IndependentIntervals(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	var fast, slow atomic.Int32
	s.Every("fast", 5*time.Minute, func(ctx context.Context) error { fast.Add(1); return nil })
	s.Every("slow", time.Hour, func(ctx context.Context) error { slow.Add(1); return nil })
	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(2)
	clock.Advance(5 * time.Minute)
	waitFor(t, func() bool { return fast.Load() == 1 })
	assert.Equal(t, int32(0), slow.Load())
}

func TestScheduler_StopEndsLoops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	var runs atomic.Int32
	s.Every("t", time.Second, func(ctx context.Context) error { runs.Add(1); return nil })
	s.Start(context.Background())
	clock.BlockUntil(1)
	s.Stop()

	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestScheduler_EveryRejectsBadInterval(t *testing.T) {
	s := New(clockwork.NewFakeClock(), nil)
	assert.Panics(t, func() {
		s.Every("bad", 0, func(ctx context.Context) error { return nil })
	})
}
