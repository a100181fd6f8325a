// Package strategy defines the strategy plugin contract, the built-in
// strategies, the manifest-based loader and the runner that bridges
// strategies onto the event log.
package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/internal/clock"
	"github.com/weaverhq/weaver/pkg/types"
)

// Action is a strategy intent. The closed set of implementations is
// FetchWindow, PlaceOrder and CancelOrder; the runner translates each into
// its strategy.* event.
type Action interface {
	isAction()
}

// FetchWindow requests a lookback window of bars. The answer arrives as a
// data.WindowReady event routed to OnData.
type FetchWindow struct {
	Symbol    string
	Timeframe types.Timeframe
	Lookback  int
}

// PlaceOrder requests an order. ClientOrderID may be left empty; the runner
// assigns one.
type PlaceOrder struct {
	ClientOrderID string
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   types.TimeInForce
}

// CancelOrder requests cancellation of a previously placed order.
type CancelOrder struct {
	ClientOrderID string
}

func (FetchWindow) isAction() {}
func (PlaceOrder) isAction()  {}
func (CancelOrder) isAction() {}

// Window is the bar window delivered to OnData in answer to a FetchWindow.
type Window struct {
	Symbol    string
	Timeframe types.Timeframe
	Bars      []types.Bar
}

// Strategy is the plugin contract. Implementations must be deterministic
// for identical inputs; all trading happens through the returned actions,
// never through side effects.
type Strategy interface {
	// Initialize is called once before the first tick.
	Initialize(symbols []string, config map[string]any) error
	// OnTick is called for every clock tick of the run.
	OnTick(tick clock.Tick) ([]Action, error)
	// OnData is called when a requested window becomes available.
	OnData(window Window) ([]Action, error)
}
