package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

// driftWarnPeriods is the handler-latency threshold, in periods, past which
// the realtime clock logs a drift warning.
const driftWarnPeriods = 1

// RealtimeClock emits ticks at wall-clock bar boundaries. Each sleep targets
// base + n*period rather than lastEmission + period, so handler latency does
// not accumulate as drift. All boundary math is UTC.
type RealtimeClock struct {
	mu        sync.Mutex
	logger    *zap.Logger
	timeframe types.Timeframe
	handler   Handler

	running  bool
	barIndex int
	cancel   context.CancelFunc
	done     chan struct{}

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRealtimeClock creates a wall-clock tick source for the timeframe.
func NewRealtimeClock(logger *zap.Logger, tf types.Timeframe) *RealtimeClock {
	return &RealtimeClock{
		logger:    logger,
		timeframe: tf,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// OnTick registers the tick handler.
func (c *RealtimeClock) OnTick(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Start begins emitting ticks in a detached goroutine.
func (c *RealtimeClock) Start(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("realtime clock already running")
	}
	if c.handler == nil {
		return fmt.Errorf("realtime clock has no tick handler")
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

func (c *RealtimeClock) run(ctx context.Context, runID string, handler Handler) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(c.done)
	}()

	period := c.timeframe.Duration()
	base := NextBoundary(c.timeframe, c.now())
	for n := 0; ; n++ {
		target := base.Add(time.Duration(n) * period)
		if !c.sleep(ctx, target.Sub(c.now())) {
			return
		}
		if lag := c.now().Sub(target); lag > driftWarnPeriods*period {
			c.logger.Warn("tick emission drifting behind boundary",
				zap.String("runId", runID),
				zap.Duration("lag", lag),
			)
		}
		tick := Tick{RunID: runID, Timestamp: target, BarIndex: n, Backtest: false}
		if err := handler(ctx, tick); err != nil {
			c.logger.Warn("tick handler error",
				zap.String("runId", runID),
				zap.Time("tick", target),
				zap.Error(err),
			)
		}
		c.mu.Lock()
		c.barIndex = n + 1
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

// Stop requests the loop to exit at the next await point. Idempotent.
func (c *RealtimeClock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop has exited.
func (c *RealtimeClock) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// BarIndex returns the number of ticks emitted since Start.
func (c *RealtimeClock) BarIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barIndex
}
