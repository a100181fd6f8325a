// Package backtest provides the per-run backtest execution environment:
// the fill simulator, the simulated position book, the tick-driven engine
// and the final statistics calculator.
package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/pkg/types"
)

// MarketFillMode selects the base price for market order fills.
type MarketFillMode string

const (
	MarketFillOpen  MarketFillMode = "open"
	MarketFillClose MarketFillMode = "close"
	MarketFillVWAP  MarketFillMode = "vwap"
	// MarketFillWorst picks the worst of open/close for the order side.
	MarketFillWorst MarketFillMode = "worst"
)

// SlippageModel returns the slippage rate (fraction of price) for an order
// against a bar. Models must be deterministic.
type SlippageModel interface {
	Rate(order *types.Order, bar types.Bar) decimal.Decimal
}

// FixedBpsSlippage applies a constant rate in basis points.
type FixedBpsSlippage struct {
	Bps decimal.Decimal
}

// NewFixedBpsSlippage creates the default fixed-rate model.
func NewFixedBpsSlippage(bps decimal.Decimal) *FixedBpsSlippage {
	return &FixedBpsSlippage{Bps: bps}
}

// Rate returns the fixed rate.
func (m *FixedBpsSlippage) Rate(order *types.Order, bar types.Bar) decimal.Decimal {
	return m.Bps.Div(decimal.NewFromInt(10000))
}

// VolumeImpactSlippage adds square-root market impact on top of a base rate,
// scaled by the order's participation in the bar volume.
type VolumeImpactSlippage struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
}

// Rate returns base + impact * sqrt(qty / barVolume).
func (m *VolumeImpactSlippage) Rate(order *types.Order, bar types.Bar) decimal.Decimal {
	base := m.BaseBps.Div(decimal.NewFromInt(10000))
	if bar.Volume.IsZero() {
		return base
	}
	participation, _ := order.Quantity.Div(bar.Volume).Float64()
	impact := m.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return base.Add(impact)
}

// SimConfig configures fill simulation for one run.
type SimConfig struct {
	MarketFill      MarketFillMode
	SlippageBps     decimal.Decimal
	CommissionBps   decimal.Decimal
	CommissionFloor decimal.Decimal
	InitialCash     decimal.Decimal
	// Slippage overrides the fixed-bps default when set.
	Slippage SlippageModel
}

// DefaultSimConfig returns the default simulation parameters.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		MarketFill:      MarketFillClose,
		SlippageBps:     decimal.NewFromInt(5),
		CommissionBps:   decimal.NewFromInt(10),
		CommissionFloor: decimal.NewFromFloat(0.01),
		InitialCash:     decimal.NewFromInt(100000),
	}
}

func (c SimConfig) slippageModel() SlippageModel {
	if c.Slippage != nil {
		return c.Slippage
	}
	return NewFixedBpsSlippage(c.SlippageBps)
}

// Simulator decides whether an order fills against a bar and at what price.
// For identical (order, bar, config, triggered) inputs the result is
// identical; there is no randomness.
type Simulator struct {
	cfg      SimConfig
	slippage SlippageModel
}

// NewSimulator creates a fill simulator from the config.
func NewSimulator(cfg SimConfig) *Simulator {
	return &Simulator{cfg: cfg, slippage: cfg.slippageModel()}
}

// TryFill evaluates the order against the bar. triggered carries the
// stop-limit trigger state from earlier bars; the returned bool is the
// updated trigger state. A nil fill means the order did not fill on this bar.
// Fills are all-or-none.
func (s *Simulator) TryFill(order *types.Order, bar types.Bar, triggered bool) (*types.Fill, bool) {
	base, ok := s.basePrice(order, bar, &triggered)
	if !ok {
		return nil, triggered
	}

	rate := s.slippage.Rate(order, bar)
	slip := base.Mul(rate)
	var price decimal.Decimal
	if order.Side == types.OrderSideBuy {
		price = base.Add(slip)
	} else {
		price = base.Sub(slip)
	}

	notional := price.Mul(order.Quantity)
	commission := notional.Mul(s.cfg.CommissionBps).Div(decimal.NewFromInt(10000))
	if commission.LessThan(s.cfg.CommissionFloor) {
		commission = s.cfg.CommissionFloor
	}

	return &types.Fill{
		OrderID:    order.ID,
		Quantity:   order.Quantity,
		Price:      price,
		Commission: commission,
		Slippage:   slip.Mul(order.Quantity),
		Timestamp:  bar.Timestamp,
	}, triggered
}

// basePrice resolves the pre-slippage fill price, or ok=false when the order
// does not fill on this bar.
func (s *Simulator) basePrice(order *types.Order, bar types.Bar, triggered *bool) (decimal.Decimal, bool) {
	switch order.Type {
	case types.OrderTypeMarket:
		return s.marketPrice(order.Side, bar), true

	case types.OrderTypeLimit:
		if limitReached(order.Side, order.LimitPrice, bar) {
			return order.LimitPrice, true
		}
		return decimal.Zero, false

	case types.OrderTypeStop:
		if stopReached(order.Side, order.StopPrice, bar) {
			return order.StopPrice, true
		}
		return decimal.Zero, false

	case types.OrderTypeStopLimit:
		if !*triggered {
			if !stopReached(order.Side, order.StopPrice, bar) {
				return decimal.Zero, false
			}
			*triggered = true
		}
		// Limit condition may be met on the trigger bar or later.
		if limitReached(order.Side, order.LimitPrice, bar) {
			return order.LimitPrice, true
		}
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

func (s *Simulator) marketPrice(side types.OrderSide, bar types.Bar) decimal.Decimal {
	switch s.cfg.MarketFill {
	case MarketFillOpen:
		return bar.Open
	case MarketFillVWAP:
		return bar.VWAP()
	case MarketFillWorst:
		if side == types.OrderSideBuy {
			return decimal.Max(bar.Open, bar.Close)
		}
		return decimal.Min(bar.Open, bar.Close)
	default:
		return bar.Close
	}
}

func limitReached(side types.OrderSide, limit decimal.Decimal, bar types.Bar) bool {
	if side == types.OrderSideBuy {
		return bar.Low.LessThanOrEqual(limit)
	}
	return bar.High.GreaterThanOrEqual(limit)
}

func stopReached(side types.OrderSide, stop decimal.Decimal, bar types.Bar) bool {
	if side == types.OrderSideBuy {
		return bar.High.GreaterThanOrEqual(stop)
	}
	return bar.Low.LessThanOrEqual(stop)
}
