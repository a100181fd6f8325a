package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

// BacktestClock iterates timestamps from start (inclusive) to end (exclusive)
// by the timeframe period. Each tick awaits the handler, so downstream
// processing gates the next emission. Start after completion resets state.
type BacktestClock struct {
	mu        sync.Mutex
	logger    *zap.Logger
	start     time.Time
	end       time.Time
	timeframe types.Timeframe
	handler   Handler

	running  bool
	barIndex int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBacktestClock creates a clock over [start, end) aligned to the
// timeframe.
func NewBacktestClock(logger *zap.Logger, start, end time.Time, tf types.Timeframe) *BacktestClock {
	return &BacktestClock{
		logger:    logger,
		start:     tf.Align(start),
		end:       tf.Align(end),
		timeframe: tf,
	}
}

// OnTick registers the tick handler.
func (c *BacktestClock) OnTick(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Start begins the historical iteration in its own goroutine.
func (c *BacktestClock) Start(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("backtest clock already running")
	}
	if c.handler == nil {
		return fmt.Errorf("backtest clock has no tick handler")
	}
	c.running = true
	c.barIndex = 0
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	handler := c.handler

	go c.run(loopCtx, runID, handler)
	return nil
}

func (c *BacktestClock) run(ctx context.Context, runID string, handler Handler) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(c.done)
	}()

	period := c.timeframe.Duration()
	index := 0
	for ts := c.start; ts.Before(c.end); ts = ts.Add(period) {
		if ctx.Err() != nil {
			return
		}
		tick := Tick{RunID: runID, Timestamp: ts, BarIndex: index, Backtest: true}
		if err := handler(ctx, tick); err != nil {
			c.logger.Warn("tick handler error",
				zap.String("runId", runID),
				zap.Time("tick", ts),
				zap.Error(err),
			)
		}
		index++
		c.mu.Lock()
		c.barIndex = index
		c.mu.Unlock()
	}
}

// Stop requests the iteration to exit at the next awaited point. Idempotent.
func (c *BacktestClock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the iteration has exited. Returns immediately if the
// clock was never started.
func (c *BacktestClock) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// BarIndex returns the number of ticks emitted since Start.
func (c *BacktestClock) BarIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barIndex
}
