// Package router translates mode-agnostic strategy intents into the
// domain-specific command namespace for their run.
package router

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/pkg/types"
)

const routerProducer = "domain-router"

// ModeResolver reports the mode of a run. The second return is false for
// unknown runs.
type ModeResolver func(runID string) (types.RunMode, bool)

// Router is the singleton strategy.* translator. Backtest runs route to
// backtest.*; paper and live runs both route to live.* (paper differs only
// in adapter credentials). Only strategy.* is translated; data.* flows
// directly to its consumers.
type Router struct {
	logger  *zap.Logger
	log     eventlog.Log
	resolve ModeResolver

	mu        sync.Mutex
	processed map[int64]struct{}

	offsets eventlog.OffsetStore

	ctx context.Context
	sub *eventlog.Subscription
}

// New creates the router.
func New(logger *zap.Logger, log eventlog.Log, resolve ModeResolver) *Router {
	return &Router{
		logger:    logger.With(zap.String("component", routerProducer)),
		log:       log,
		resolve:   resolve,
		processed: make(map[int64]struct{}),
	}
}

// UseOffsetStore makes translation resumable: Start replays strategy events
// past the committed offset before subscribing, and each translation commits
// its source offset. Must be called before Start.
func (r *Router) UseOffsetStore(store eventlog.OffsetStore) {
	r.offsets = store
}

// Start seeds the dedupe set from history, replays any strategy events the
// router missed while down, and subscribes. Re-delivered strategy events
// that were already translated produce no second command.
func (r *Router) Start(ctx context.Context) error {
	r.ctx = ctx

	translated, err := r.log.Query(ctx, eventlog.Query{Types: []string{
		types.EventBacktestFetchWindow, types.EventBacktestPlaceOrder, types.EventBacktestCancelOrder,
		types.EventLiveFetchWindow, types.EventLivePlaceOrder, types.EventLiveCancelOrder,
	}})
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, env := range translated {
		if env.Producer != routerProducer || env.CausationID == "" {
			continue
		}
		if offset, err := strconv.ParseInt(env.CausationID, 10, 64); err == nil {
			r.processed[offset] = struct{}{}
		}
	}
	r.mu.Unlock()

	if r.offsets != nil {
		if err := r.replayMissed(ctx); err != nil {
			return err
		}
	}

	r.sub = r.log.Subscribe(eventlog.Filter{Types: []string{"strategy.*"}}, r.handle)
	return nil
}

// replayMissed reprocesses strategy events appended after the committed
// offset. The dedupe set makes redelivery harmless.
func (r *Router) replayMissed(ctx context.Context) error {
	after, err := r.offsets.Get(ctx, routerProducer)
	if err != nil {
		return err
	}
	filter := eventlog.Filter{Types: []string{"strategy.*"}}
	for {
		batch, err := r.log.ReadFrom(ctx, after, 256)
		if err != nil {
			return err
		}
		for _, env := range batch {
			if filter.Match(env) {
				if err := r.handle(env); err != nil {
					return err
				}
			}
			after = env.Offset
		}
		if len(batch) < 256 {
			return nil
		}
	}
}

// Stop detaches the router from the event log.
func (r *Router) Stop() {
	if r.sub != nil {
		r.log.Unsubscribe(r.sub)
	}
}

func (r *Router) handle(env eventlog.Envelope) error {
	r.mu.Lock()
	if _, done := r.processed[env.Offset]; done {
		r.mu.Unlock()
		return nil
	}
	r.processed[env.Offset] = struct{}{}
	r.mu.Unlock()

	mode, ok := r.resolve(env.RunID)
	if !ok {
		r.logger.Warn("strategy event for unknown run dropped",
			zap.String("run_id", env.RunID),
			zap.String("type", env.Type),
			zap.Int64("offset", env.Offset))
		return nil
	}

	target, ok := translate(env.Type, mode)
	if !ok {
		return nil
	}

	_, err := r.log.Append(r.ctx, &eventlog.Envelope{
		Type:          target,
		Producer:      routerProducer,
		RunID:         env.RunID,
		Payload:       env.Payload,
		CorrelationID: env.CorrelationID,
		CausationID:   strconv.FormatInt(env.Offset, 10),
	})
	if err != nil {
		// Allow a retry on the next delivery of this offset.
		r.mu.Lock()
		delete(r.processed, env.Offset)
		r.mu.Unlock()
		return err
	}
	if r.offsets != nil {
		if err := r.offsets.Commit(r.ctx, routerProducer, env.Offset); err != nil {
			r.logger.Warn("offset commit failed", zap.Int64("offset", env.Offset), zap.Error(err))
		}
	}
	return nil
}

func translate(evType string, mode types.RunMode) (string, bool) {
	backtest := mode == types.RunModeBacktest
	switch evType {
	case types.EventStrategyFetchWindow:
		if backtest {
			return types.EventBacktestFetchWindow, true
		}
		return types.EventLiveFetchWindow, true
	case types.EventStrategyPlaceRequest:
		if backtest {
			return types.EventBacktestPlaceOrder, true
		}
		return types.EventLivePlaceOrder, true
	case types.EventStrategyCancelRequest:
		if backtest {
			return types.EventBacktestCancelOrder, true
		}
		return types.EventLiveCancelOrder, true
	}
	return "", false
}
