package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event type names form a closed set. The namespace prefix identifies the
// producing domain; the Domain Router rewrites strategy.* into the
// mode-specific backtest.* / live.* namespaces.
const (
	// Run lifecycle.
	EventRunCreated   = "run.Created"
	EventRunStarted   = "run.Started"
	EventRunStopped   = "run.Stopped"
	EventRunCompleted = "run.Completed"
	EventRunError     = "run.Error"

	// Clock.
	EventClockTick = "clock.Tick"

	// Mode-agnostic strategy intents.
	EventStrategyFetchWindow   = "strategy.FetchWindow"
	EventStrategyPlaceRequest  = "strategy.PlaceRequest"
	EventStrategyCancelRequest = "strategy.CancelRequest"

	// Backtest domain.
	EventBacktestFetchWindow = "backtest.FetchWindow"
	EventBacktestPlaceOrder  = "backtest.PlaceOrder"
	EventBacktestCancelOrder = "backtest.CancelOrder"

	// Live domain.
	EventLiveFetchWindow = "live.FetchWindow"
	EventLivePlaceOrder  = "live.PlaceOrder"
	EventLiveCancelOrder = "live.CancelOrder"

	// Data.
	EventDataWindowReady = "data.WindowReady"

	// Orders.
	EventOrdersCreated         = "orders.Created"
	EventOrdersSubmitted       = "orders.Submitted"
	EventOrdersAccepted        = "orders.Accepted"
	EventOrdersPartiallyFilled = "orders.PartiallyFilled"
	EventOrdersFilled          = "orders.Filled"
	EventOrdersCancelled       = "orders.Cancelled"
	EventOrdersRejected        = "orders.Rejected"
	EventOrdersExpired         = "orders.Expired"
)

// TickPayload is carried by clock.Tick events.
type TickPayload struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"barIndex"`
	Backtest  bool      `json:"backtest"`
}

// FetchWindowPayload is carried by strategy.FetchWindow and its translated
// backtest/live variants.
type FetchWindowPayload struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Lookback  int       `json:"lookback"`
}

// PlaceOrderPayload is carried by strategy.PlaceRequest and its translated
// backtest/live variants.
type PlaceOrderPayload struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce   TimeInForce     `json:"timeInForce,omitempty"`
}

// CancelOrderPayload is carried by strategy.CancelRequest and its translated
// backtest/live variants.
type CancelOrderPayload struct {
	ClientOrderID string `json:"clientOrderId"`
}

// WindowReadyPayload is carried by data.WindowReady.
type WindowReadyPayload struct {
	RunID     string    `json:"runId"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Bars      []Bar     `json:"bars"`
}

// OrderEventPayload is carried by every orders.* event.
type OrderEventPayload struct {
	Order Order `json:"order"`
	Fill  *Fill `json:"fill,omitempty"`
}

// RunEventPayload is carried by run.* lifecycle events.
type RunEventPayload struct {
	RunID   string     `json:"runId"`
	Status  RunStatus  `json:"status"`
	Message string     `json:"message,omitempty"`
	Stats   *RunStats  `json:"stats,omitempty"`
	At      *time.Time `json:"at,omitempty"`
}
