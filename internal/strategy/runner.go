package strategy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/clock"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/pkg/types"
)

const runnerProducer = "strategy-runner"

// Runner bridges one strategy instance onto the event log for one run.
// Strategy actions become strategy.* events; data.WindowReady events for the
// run are routed back into OnData.
type Runner struct {
	logger *zap.Logger
	runID  string
	log    eventlog.Log
	strat  Strategy

	ctx context.Context
	sub *eventlog.Subscription
}

// NewRunner creates a runner for one run.
func NewRunner(logger *zap.Logger, runID string, log eventlog.Log, strat Strategy) *Runner {
	return &Runner{
		logger: logger.With(zap.String("component", runnerProducer), zap.String("run_id", runID)),
		runID:  runID,
		log:    log,
		strat:  strat,
	}
}

// Initialize prepares the strategy and subscribes to its data events.
func (r *Runner) Initialize(ctx context.Context, symbols []string, config map[string]any) error {
	if err := r.strat.Initialize(symbols, config); err != nil {
		return fmt.Errorf("initializing strategy: %w", err)
	}
	r.ctx = ctx
	r.sub = r.log.Subscribe(eventlog.Filter{
		Types: []string{types.EventDataWindowReady},
		RunID: r.runID,
	}, r.handleWindow)
	return nil
}

// Close detaches the runner from the event log.
func (r *Runner) Close() {
	if r.sub != nil {
		r.log.Unsubscribe(r.sub)
	}
}

// OnTick feeds the tick to the strategy and publishes its actions. A
// strategy error aborts the tick and is returned to the caller.
func (r *Runner) OnTick(ctx context.Context, tick clock.Tick) error {
	actions, err := r.strat.OnTick(tick)
	if err != nil {
		return fmt.Errorf("strategy OnTick: %w", err)
	}
	return r.publish(actions, uuid.New().String(), "")
}

// handleWindow routes a delivered window into OnData and publishes the
// resulting actions, correlated to the window that caused them.
func (r *Runner) handleWindow(env eventlog.Envelope) error {
	var payload types.WindowReadyPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	actions, err := r.strat.OnData(Window{
		Symbol:    payload.Symbol,
		Timeframe: payload.Timeframe,
		Bars:      payload.Bars,
	})
	if err != nil {
		return fmt.Errorf("strategy OnData: %w", err)
	}
	correlation := env.CorrelationID
	if correlation == "" {
		correlation = uuid.New().String()
	}
	return r.publish(actions, correlation, strconv.FormatInt(env.Offset, 10))
}

func (r *Runner) publish(actions []Action, correlationID, causationID string) error {
	for _, action := range actions {
		var (
			evType  string
			payload any
		)
		switch a := action.(type) {
		case FetchWindow:
			evType = types.EventStrategyFetchWindow
			payload = types.FetchWindowPayload{
				Symbol:    a.Symbol,
				Timeframe: a.Timeframe,
				Lookback:  a.Lookback,
			}
		case PlaceOrder:
			clientID := a.ClientOrderID
			if clientID == "" {
				clientID = uuid.New().String()
			}
			evType = types.EventStrategyPlaceRequest
			payload = types.PlaceOrderPayload{
				ClientOrderID: clientID,
				Symbol:        a.Symbol,
				Side:          a.Side,
				Type:          a.Type,
				Quantity:      a.Quantity,
				LimitPrice:    a.LimitPrice,
				StopPrice:     a.StopPrice,
				TimeInForce:   a.TimeInForce,
			}
		case CancelOrder:
			evType = types.EventStrategyCancelRequest
			payload = types.CancelOrderPayload{ClientOrderID: a.ClientOrderID}
		default:
			return fmt.Errorf("%w: unknown action type %T", types.ErrValidation, action)
		}

		raw, err := eventlog.MarshalPayload(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", evType, err)
		}
		if _, err := r.log.Append(r.ctx, &eventlog.Envelope{
			Type:          evType,
			Producer:      runnerProducer,
			RunID:         r.runID,
			Payload:       raw,
			CorrelationID: correlationID,
			CausationID:   causationID,
		}); err != nil {
			return fmt.Errorf("appending %s: %w", evType, err)
		}
	}
	return nil
}
