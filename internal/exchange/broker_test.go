package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/pkg/types"
)

type brokerFixture struct {
	broker *Broker
	mock   *MockAdapter
	log    *eventlog.MemoryLog
	store  *orders.MemoryStore
	ctx    context.Context
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	mock := NewMockAdapter()
	if err := mock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	log := eventlog.NewMemoryLog(logger)
	store := orders.NewMemoryStore()
	repo := bars.NewMemoryRepository(logger)
	broker := NewBroker(logger, "run-live", log, mock, store, repo, types.Timeframe1m)
	broker.Start(ctx)
	t.Cleanup(broker.Stop)

	return &brokerFixture{broker: broker, mock: mock, log: log, store: store, ctx: ctx}
}

func (f *brokerFixture) placeLive(t *testing.T, clientID string) {
	t.Helper()
	raw, err := eventlog.MarshalPayload(types.PlaceOrderPayload{
		ClientOrderID: clientID,
		Symbol:        "AAPL",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(10),
		TimeInForce:   types.TimeInForceGTC,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.log.Append(f.ctx, &eventlog.Envelope{
		Type:    types.EventLivePlaceOrder,
		RunID:   "run-live",
		Payload: raw,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func (f *brokerFixture) countEvents(t *testing.T, evType string) int {
	t.Helper()
	envs, err := f.log.Query(f.ctx, eventlog.Query{Types: []string{evType}, RunID: "run-live"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return len(envs)
}

func TestBrokerPlacesOrderThroughAdapter(t *testing.T) {
	f := newBrokerFixture(t)

	f.placeLive(t, "c-1")

	order, err := f.store.GetByClientID(f.ctx, "c-1")
	if err != nil {
		t.Fatalf("GetByClientID: %v", err)
	}
	if order.Status != types.OrderStatusAccepted {
		t.Fatalf("status = %s, want accepted", order.Status)
	}
	if order.ExchangeOrderID == "" {
		t.Error("missing exchange order id")
	}
	if order.SubmittedAt == nil {
		t.Error("missing submitted timestamp")
	}

	for _, evType := range []string{types.EventOrdersCreated, types.EventOrdersSubmitted, types.EventOrdersAccepted} {
		if got := f.countEvents(t, evType); got != 1 {
			t.Errorf("%s events = %d, want 1", evType, got)
		}
	}
}

func TestBrokerDuplicatePlaceIsIdempotent(t *testing.T) {
	f := newBrokerFixture(t)

	f.placeLive(t, "c-1")
	f.placeLive(t, "c-1")

	if got := f.countEvents(t, types.EventOrdersCreated); got != 1 {
		t.Errorf("created events = %d, want 1", got)
	}
	if got := f.countEvents(t, types.EventOrdersSubmitted); got != 1 {
		t.Errorf("submitted events = %d, want 1", got)
	}
}

func TestBrokerRejectionMarksOrder(t *testing.T) {
	f := newBrokerFixture(t)
	f.mock.SubmitErr = &Error{Kind: ErrKindRejection, Code: "insufficient_funds", Message: "not enough cash"}

	f.placeLive(t, "c-poor")

	order, _ := f.store.GetByClientID(f.ctx, "c-poor")
	if order.Status != types.OrderStatusRejected {
		t.Fatalf("status = %s, want rejected", order.Status)
	}
	if order.RejectReason == "" {
		t.Error("missing reject reason")
	}
	if got := f.countEvents(t, types.EventOrdersRejected); got != 1 {
		t.Errorf("rejected events = %d, want 1", got)
	}
}

func TestBrokerPollDetectsFill(t *testing.T) {
	f := newBrokerFixture(t)

	f.placeLive(t, "c-1")
	if err := f.mock.FillOrder("c-1", decimal.NewFromInt(150)); err != nil {
		t.Fatalf("FillOrder: %v", err)
	}

	if err := f.broker.PollOpenOrders(f.ctx); err != nil {
		t.Fatalf("PollOpenOrders: %v", err)
	}

	order, _ := f.store.GetByClientID(f.ctx, "c-1")
	if order.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", order.Status)
	}
	if !order.FilledAvgPrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("filled price = %s, want 150", order.FilledAvgPrice)
	}
	if got := f.countEvents(t, types.EventOrdersFilled); got != 1 {
		t.Errorf("filled events = %d, want 1", got)
	}

	// Polling again emits nothing new.
	if err := f.broker.PollOpenOrders(f.ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if got := f.countEvents(t, types.EventOrdersFilled); got != 1 {
		t.Errorf("filled events after second poll = %d, want 1", got)
	}
}

func TestBrokerCancel(t *testing.T) {
	f := newBrokerFixture(t)

	f.placeLive(t, "c-1")
	raw, _ := eventlog.MarshalPayload(types.CancelOrderPayload{ClientOrderID: "c-1"})
	if _, err := f.log.Append(f.ctx, &eventlog.Envelope{
		Type:    types.EventLiveCancelOrder,
		RunID:   "run-live",
		Payload: raw,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	order, _ := f.store.GetByClientID(f.ctx, "c-1")
	if order.Status != types.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", order.Status)
	}
	if got := f.countEvents(t, types.EventOrdersCancelled); got != 1 {
		t.Errorf("cancelled events = %d, want 1", got)
	}
}

func TestBrokerFetchWindowServesAdapterBars(t *testing.T) {
	f := newBrokerFixture(t)

	now := time.Now().UTC().Truncate(time.Minute)
	series := make([]types.Bar, 0, 5)
	for i := 4; i >= 0; i-- {
		ts := now.Add(-time.Duration(i) * time.Minute)
		series = append(series, types.Bar{
			Symbol:    "AAPL",
			Timeframe: types.Timeframe1m,
			Timestamp: ts,
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(101),
			Low:       decimal.NewFromInt(99),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(1000),
		})
	}
	f.mock.SeedBars("AAPL", series)

	var ready []eventlog.Envelope
	sub := f.log.Subscribe(eventlog.Filter{Types: []string{types.EventDataWindowReady}}, func(env eventlog.Envelope) error {
		ready = append(ready, env)
		return nil
	})
	defer f.log.Unsubscribe(sub)

	raw, _ := eventlog.MarshalPayload(types.FetchWindowPayload{Symbol: "AAPL", Lookback: 3})
	if _, err := f.log.Append(f.ctx, &eventlog.Envelope{
		Type:          types.EventLiveFetchWindow,
		RunID:         "run-live",
		Payload:       raw,
		CorrelationID: "corr-7",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(ready) != 1 {
		t.Fatalf("WindowReady events = %d, want 1", len(ready))
	}
	if ready[0].CorrelationID != "corr-7" {
		t.Errorf("correlation id = %q, want corr-7", ready[0].CorrelationID)
	}
	var payload types.WindowReadyPayload
	if err := ready[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(payload.Bars) != 3 {
		t.Errorf("window = %d bars, want 3", len(payload.Bars))
	}
}

func TestBrokerReconcileMarksUnknownOrdersRejected(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	mock := NewMockAdapter()
	if err := mock.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	log := eventlog.NewMemoryLog(logger)
	store := orders.NewMemoryStore()

	// A working order survives in the store from a previous process, but
	// the exchange has never heard of it.
	stale := &types.Order{
		ID:            "o-stale",
		ClientOrderID: "c-stale",
		RunID:         "run-live",
		Symbol:        "AAPL",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(5),
		Status:        types.OrderStatusSubmitted,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}

	broker := NewBroker(logger, "run-live", log, mock, store, nil, types.Timeframe1m)
	broker.Start(ctx)
	defer broker.Stop()

	if err := broker.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	order, _ := store.GetByClientID(ctx, "c-stale")
	if order.Status != types.OrderStatusRejected {
		t.Fatalf("status = %s, want rejected", order.Status)
	}

	envs, _ := log.Query(ctx, eventlog.Query{Types: []string{types.EventOrdersRejected}})
	if len(envs) != 1 {
		t.Errorf("rejected events = %d, want 1", len(envs))
	}
}
