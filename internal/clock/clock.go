// Package clock provides the per-run tick sources. A backtest clock iterates
// a finite historical range; a realtime clock aligns to wall-clock bar
// boundaries. Both emit bar-open timestamps, never emission wall time.
package clock

import (
	"context"
	"time"

	"github.com/weaverhq/weaver/pkg/types"
)

// Tick is one emission by a clock. Timestamp is the bar-open time in UTC.
type Tick struct {
	RunID     string
	Timestamp time.Time
	BarIndex  int
	Backtest  bool
}

// Handler processes a tick. The clock awaits the handler before emitting the
// next tick, so handler completion gates the cadence in backtest mode.
type Handler func(ctx context.Context, tick Tick) error

// Clock is the common contract for tick sources.
type Clock interface {
	// Start begins emitting ticks for the run. Non-blocking; the tick loop
	// runs in its own goroutine until the range ends, Stop is called, or
	// the context is cancelled.
	Start(ctx context.Context, runID string) error
	// Stop requests the tick loop to exit at the next await point.
	Stop()
	// Wait blocks until the tick loop has exited.
	Wait()
	// OnTick registers the tick handler. Must be called before Start.
	OnTick(h Handler)
	// BarIndex returns the number of ticks emitted since Start.
	BarIndex() int
}

// NextBoundary returns the next bar boundary >= now for the timeframe,
// in UTC.
func NextBoundary(tf types.Timeframe, now time.Time) time.Time {
	aligned := tf.Align(now)
	if aligned.Before(now.UTC()) {
		return aligned.Add(tf.Duration())
	}
	return aligned
}
