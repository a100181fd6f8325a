package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

func TestTimeframeAlignment(t *testing.T) {
	cases := []struct {
		tf   types.Timeframe
		in   time.Time
		want time.Time
	}{
		{types.Timeframe1m,
			time.Date(2025, 1, 1, 9, 30, 45, 0, time.UTC),
			time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)},
		{types.Timeframe5m,
			time.Date(2025, 1, 1, 9, 33, 0, 0, time.UTC),
			time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)},
		{types.Timeframe1h,
			time.Date(2025, 1, 1, 9, 59, 59, 0, time.UTC),
			time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)},
		{types.Timeframe1d,
			time.Date(2025, 1, 1, 15, 12, 0, 0, time.UTC),
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.tf.Align(tc.in); !got.Equal(tc.want) {
			t.Errorf("%s.Align(%s) = %s, want %s", tc.tf, tc.in, got, tc.want)
		}
	}
}

func TestNextBoundary(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 30, 0, time.UTC)
	want := time.Date(2025, 1, 1, 9, 31, 0, 0, time.UTC)
	if got := NextBoundary(types.Timeframe1m, now); !got.Equal(want) {
		t.Errorf("NextBoundary = %s, want %s", got, want)
	}

	// Exactly on a boundary, the boundary itself is next.
	exact := time.Date(2025, 1, 1, 9, 31, 0, 0, time.UTC)
	if got := NextBoundary(types.Timeframe1m, exact); !got.Equal(exact) {
		t.Errorf("NextBoundary on boundary = %s, want %s", got, exact)
	}
}

func TestBacktestClockEmitsAlignedRange(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)
	c := NewBacktestClock(zap.NewNop(), start, end, types.Timeframe1m)

	var mu sync.Mutex
	var ticks []Tick
	c.OnTick(func(ctx context.Context, tick Tick) error {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
		return nil
	})

	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if len(ticks) != 5 {
		t.Fatalf("expected 5 ticks, got %d", len(ticks))
	}
	for i, tick := range ticks {
		want := start.Add(time.Duration(i) * time.Minute)
		if !tick.Timestamp.Equal(want) {
			t.Errorf("tick %d at %s, want %s", i, tick.Timestamp, want)
		}
		if tick.BarIndex != i {
			t.Errorf("tick %d has bar index %d", i, tick.BarIndex)
		}
		if !tick.Backtest {
			t.Errorf("tick %d not flagged backtest", i)
		}
		if !types.Timeframe1m.Aligned(tick.Timestamp) {
			t.Errorf("tick %d timestamp %s not aligned", i, tick.Timestamp)
		}
	}
	if c.BarIndex() != 5 {
		t.Errorf("final bar index = %d, want 5", c.BarIndex())
	}
}

func TestBacktestClockEmptyRange(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	c := NewBacktestClock(zap.NewNop(), start, start, types.Timeframe1m)

	var count int
	c.OnTick(func(ctx context.Context, tick Tick) error {
		count++
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if count != 0 {
		t.Errorf("expected no ticks for start == end, got %d", count)
	}
}

func TestBacktestClockStopExitsEarly(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10000 * time.Minute)
	c := NewBacktestClock(zap.NewNop(), start, end, types.Timeframe1m)

	stopAfter := 3
	var count int
	c.OnTick(func(ctx context.Context, tick Tick) error {
		count++
		if count == stopAfter {
			c.Stop()
		}
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if count != stopAfter {
		t.Errorf("expected %d ticks before stop, got %d", stopAfter, count)
	}
}

func TestBacktestClockRestartResets(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	c := NewBacktestClock(zap.NewNop(), start, end, types.Timeframe1m)
	c.OnTick(func(ctx context.Context, tick Tick) error { return nil })

	for i := 0; i < 2; i++ {
		if err := c.Start(context.Background(), "run-1"); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		c.Wait()
		if c.BarIndex() != 2 {
			t.Errorf("start %d: bar index = %d, want 2", i, c.BarIndex())
		}
	}
}

func TestRealtimeClockDriftFreeTargets(t *testing.T) {
	c := NewRealtimeClock(zap.NewNop(), types.Timeframe1m)

	// Simulated wall clock: starts mid-bar, advances on every sleep.
	current := time.Date(2025, 1, 1, 9, 30, 20, 0, time.UTC)
	var slept []time.Duration
	c.now = func() time.Time { return current }
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		if d > 0 {
			current = current.Add(d)
		}
		return ctx.Err() == nil
	}

	var mu sync.Mutex
	var ticks []Tick
	c.OnTick(func(ctx context.Context, tick Tick) error {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
		// Slow handler: 10s of work must not shift later boundaries.
		current = current.Add(10 * time.Second)
		if len(ticks) == 3 {
			c.Stop()
		}
		return nil
	})

	if err := c.Start(context.Background(), "run-rt"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	base := time.Date(2025, 1, 1, 9, 31, 0, 0, time.UTC)
	for i, tick := range ticks {
		want := base.Add(time.Duration(i) * time.Minute)
		if !tick.Timestamp.Equal(want) {
			t.Errorf("tick %d at %s, want %s", i, tick.Timestamp, want)
		}
		if tick.Backtest {
			t.Errorf("tick %d flagged backtest", i)
		}
	}
}
