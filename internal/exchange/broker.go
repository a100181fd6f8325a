package exchange

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/pkg/types"
)

const (
	brokerProducer         = "broker"
	reconcileAttempts      = 3
	reconcileMaxSleep      = 5 * time.Second
	submitRetryAttempts    = 3
	submitRetryMaxInterval = 2 * time.Second
	pollConcurrency        = 8
)

// Broker executes live.* commands for one run against an exchange adapter.
// It persists order state and mirrors every transition onto the event log.
// Paper and live runs share this path; the adapter credentials decide which
// environment receives the orders.
type Broker struct {
	logger  *zap.Logger
	runID   string
	log     eventlog.Log
	adapter Adapter
	store   orders.Store
	repo    bars.Repository
	tf      types.Timeframe

	mu       sync.Mutex
	ctx      context.Context
	byClient map[string]*types.Order

	sub *eventlog.Subscription
}

// NewBroker creates a broker for one run. repo may be nil; fetched windows
// are then served from the adapter without caching.
func NewBroker(logger *zap.Logger, runID string, log eventlog.Log, adapter Adapter, store orders.Store, repo bars.Repository, tf types.Timeframe) *Broker {
	return &Broker{
		logger:   logger.With(zap.String("component", brokerProducer), zap.String("run_id", runID)),
		runID:    runID,
		log:      log,
		adapter:  adapter,
		store:    store,
		repo:     repo,
		tf:       tf,
		byClient: make(map[string]*types.Order),
	}
}

// Start subscribes the broker to its run's live.* commands.
func (b *Broker) Start(ctx context.Context) {
	b.ctx = ctx
	b.sub = b.log.Subscribe(eventlog.Filter{
		Types: []string{
			types.EventLivePlaceOrder,
			types.EventLiveCancelOrder,
			types.EventLiveFetchWindow,
		},
		RunID: b.runID,
	}, b.handleCommand)
}

// Stop detaches the broker from the event log.
func (b *Broker) Stop() {
	if b.sub != nil {
		b.log.Unsubscribe(b.sub)
	}
}

func (b *Broker) handleCommand(env eventlog.Envelope) error {
	switch env.Type {
	case types.EventLivePlaceOrder:
		return b.handlePlace(env)
	case types.EventLiveCancelOrder:
		return b.handleCancel(env)
	case types.EventLiveFetchWindow:
		return b.handleFetchWindow(env)
	}
	return nil
}

func (b *Broker) handlePlace(env eventlog.Envelope) error {
	var p types.PlaceOrderPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byClient[p.ClientOrderID]; ok {
		b.logger.Debug("duplicate client order id ignored",
			zap.String("client_order_id", p.ClientOrderID))
		return nil
	}
	if existing, err := b.store.GetByClientID(b.ctx, p.ClientOrderID); err == nil {
		b.byClient[p.ClientOrderID] = existing
		return nil
	}

	tif := p.TimeInForce
	if tif == "" {
		tif = types.TimeInForceDay
	}
	order := &types.Order{
		ID:            uuid.New().String(),
		ClientOrderID: p.ClientOrderID,
		RunID:         b.runID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Type:          p.Type,
		Quantity:      p.Quantity,
		LimitPrice:    p.LimitPrice,
		StopPrice:     p.StopPrice,
		TimeInForce:   tif,
		Status:        types.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	b.byClient[p.ClientOrderID] = order
	b.persist(order)
	b.emit(types.EventOrdersCreated, types.OrderEventPayload{Order: *order}, env.CorrelationID, causationOf(env))

	b.submit(order, env.CorrelationID)
	return nil
}

// submit pushes the order to the exchange, retrying transient failures.
func (b *Broker) submit(order *types.Order, correlationID string) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = submitRetryMaxInterval

	var result *SubmitResult
	var err error
	for attempt := 0; attempt < submitRetryAttempts; attempt++ {
		result, err = b.adapter.SubmitOrder(b.ctx, order)
		if err == nil {
			break
		}
		if e, ok := AsError(err); !ok || !e.Retryable() {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		b.logger.Warn("submit retry",
			zap.String("client_order_id", order.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}

	if err != nil || result == nil || !result.Success {
		order.Status = types.OrderStatusRejected
		if result != nil && result.ErrorMessage != "" {
			order.RejectReason = result.ErrorMessage
		} else if err != nil {
			order.RejectReason = err.Error()
		}
		b.persist(order)
		b.emit(types.EventOrdersRejected, types.OrderEventPayload{Order: *order}, correlationID, "")
		b.logger.Warn("order rejected",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("reason", order.RejectReason))
		return
	}

	now := time.Now().UTC()
	order.ExchangeOrderID = result.ExchangeOrderID
	order.SubmittedAt = &now
	order.Status = types.OrderStatusSubmitted
	b.persist(order)
	b.emit(types.EventOrdersSubmitted, types.OrderEventPayload{Order: *order}, correlationID, "")

	if result.Status == types.OrderStatusAccepted {
		order.Status = types.OrderStatusAccepted
		b.persist(order)
		b.emit(types.EventOrdersAccepted, types.OrderEventPayload{Order: *order}, correlationID, "")
	}
}

func (b *Broker) handleCancel(env eventlog.Envelope) error {
	var p types.CancelOrderPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.byClient[p.ClientOrderID]
	if !ok {
		b.logger.Warn("cancel for unknown client order id",
			zap.String("client_order_id", p.ClientOrderID))
		return types.ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return nil
	}

	if err := b.adapter.CancelOrder(b.ctx, p.ClientOrderID); err != nil {
		b.logger.Error("exchange cancel failed",
			zap.String("client_order_id", p.ClientOrderID),
			zap.Error(err))
		return err
	}
	now := time.Now().UTC()
	order.Status = types.OrderStatusCancelled
	order.CancelledAt = &now
	b.persist(order)
	b.emit(types.EventOrdersCancelled, types.OrderEventPayload{Order: *order}, env.CorrelationID, causationOf(env))
	return nil
}

// handleFetchWindow serves a lookback window from the adapter, caching the
// bars when a repository is attached.
func (b *Broker) handleFetchWindow(env eventlog.Envelope) error {
	var p types.FetchWindowPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	tf := p.Timeframe
	if tf == "" {
		tf = b.tf
	}
	lookback := p.Lookback
	if lookback <= 0 {
		lookback = 1
	}
	end := time.Now().UTC()
	start := end.Add(-time.Duration(lookback+1) * tf.Duration())

	window, err := b.adapter.GetBars(b.ctx, p.Symbol, tf, start, end)
	if err != nil {
		b.logger.Error("window fetch failed",
			zap.String("symbol", p.Symbol),
			zap.Error(err))
		return err
	}
	if len(window) > lookback {
		window = window[len(window)-lookback:]
	}
	if b.repo != nil && len(window) > 0 {
		if err := b.repo.SaveBars(b.ctx, window); err != nil {
			b.logger.Warn("bar cache write failed", zap.Error(err))
		}
	}

	b.emit(types.EventDataWindowReady, types.WindowReadyPayload{
		RunID:     b.runID,
		Symbol:    p.Symbol,
		Timeframe: tf,
		Bars:      window,
	}, env.CorrelationID, causationOf(env))
	return nil
}

// PollOpenOrders refreshes every non-terminal order from the exchange and
// emits transitions. Called by the run manager on each realtime tick.
func (b *Broker) PollOpenOrders(ctx context.Context) error {
	b.mu.Lock()
	open := make([]*types.Order, 0, len(b.byClient))
	for _, order := range b.byClient {
		if !order.Status.Terminal() {
			open = append(open, order)
		}
	}
	b.mu.Unlock()

	// Fetch concurrently, apply serially so order events keep their
	// relative order on the log.
	remotes := make([]*types.Order, len(open))
	p := pool.New().WithMaxGoroutines(pollConcurrency)
	for i, order := range open {
		i, order := i, order
		p.Go(func() {
			remote, err := b.adapter.GetOrder(ctx, order.ClientOrderID)
			if err != nil {
				b.logger.Warn("order poll failed",
					zap.String("client_order_id", order.ClientOrderID),
					zap.Error(err))
				return
			}
			remotes[i] = remote
		})
	}
	p.Wait()

	for i, remote := range remotes {
		if remote != nil {
			b.applyRemote(open[i], remote)
		}
	}
	return ctx.Err()
}

// Reconcile refreshes the run's non-terminal orders after a restart, with a
// bounded retry per order. Orders the exchange no longer knows are marked
// rejected.
func (b *Broker) Reconcile(ctx context.Context) error {
	if b.ctx == nil {
		b.ctx = ctx
	}
	stored, _, err := b.store.List(ctx, orders.ListFilter{RunID: b.runID}, 1, 1000)
	if err != nil {
		return err
	}

	for _, order := range stored {
		b.mu.Lock()
		b.byClient[order.ClientOrderID] = order
		b.mu.Unlock()
		if order.Status.Terminal() {
			continue
		}

		backoffCfg := backoff.NewExponentialBackOff()
		backoffCfg.MaxInterval = reconcileMaxSleep
		var remote *types.Order
		var lastErr error
		for attempt := 0; attempt < reconcileAttempts; attempt++ {
			remote, lastErr = b.adapter.GetOrder(ctx, order.ClientOrderID)
			if lastErr == nil || errors.Is(lastErr, types.ErrOrderNotFound) {
				break
			}
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}

		switch {
		case errors.Is(lastErr, types.ErrOrderNotFound):
			order.Status = types.OrderStatusRejected
			order.RejectReason = "order unknown at exchange after restart"
			b.persist(order)
			b.emit(types.EventOrdersRejected, types.OrderEventPayload{Order: *order}, "", "")
		case lastErr != nil:
			b.logger.Error("reconcile failed for order",
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(lastErr))
		default:
			b.applyRemote(order, remote)
		}
	}
	return nil
}

// applyRemote folds the exchange view into the local order and emits the
// transition event if the status moved.
func (b *Broker) applyRemote(order *types.Order, remote *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if remote.Status == order.Status {
		return
	}
	order.Status = remote.Status
	order.FilledQty = remote.FilledQty
	order.FilledAvgPrice = remote.FilledAvgPrice
	order.FilledAt = remote.FilledAt
	order.CancelledAt = remote.CancelledAt
	if len(remote.Fills) > 0 {
		order.Fills = remote.Fills
	}
	b.persist(order)

	payload := types.OrderEventPayload{Order: *order}
	if len(order.Fills) > 0 {
		payload.Fill = &order.Fills[len(order.Fills)-1]
	}
	switch remote.Status {
	case types.OrderStatusAccepted:
		b.emit(types.EventOrdersAccepted, payload, "", "")
	case types.OrderStatusPartiallyFilled:
		b.emit(types.EventOrdersPartiallyFilled, payload, "", "")
	case types.OrderStatusFilled:
		b.emit(types.EventOrdersFilled, payload, "", "")
	case types.OrderStatusCancelled:
		b.emit(types.EventOrdersCancelled, payload, "", "")
	case types.OrderStatusExpired:
		b.emit(types.EventOrdersExpired, payload, "", "")
	case types.OrderStatusRejected:
		b.emit(types.EventOrdersRejected, payload, "", "")
	}
}

func (b *Broker) persist(order *types.Order) {
	if err := b.store.Put(b.ctx, order); err != nil {
		b.logger.Error("failed to persist order",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (b *Broker) emit(evType string, payload any, correlationID, causationID string) {
	raw, err := eventlog.MarshalPayload(payload)
	if err != nil {
		b.logger.Error("failed to encode event payload",
			zap.String("type", evType),
			zap.Error(err))
		return
	}
	if _, err := b.log.Append(b.ctx, &eventlog.Envelope{
		Type:          evType,
		Producer:      brokerProducer,
		RunID:         b.runID,
		Payload:       raw,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}); err != nil {
		b.logger.Error("failed to append event",
			zap.String("type", evType),
			zap.Error(err))
	}
}

func causationOf(env eventlog.Envelope) string {
	return strconv.FormatInt(env.Offset, 10)
}
