package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/pkg/types"
)

func testBar(open, high, low, closePx float64) types.Bar {
	return types.Bar{
		Symbol:    "AAPL",
		Timeframe: types.Timeframe1m,
		Timestamp: time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(closePx),
		Volume:    decimal.NewFromInt(10000),
	}
}

func noCostConfig() SimConfig {
	cfg := DefaultSimConfig()
	cfg.SlippageBps = decimal.Zero
	cfg.CommissionBps = decimal.Zero
	cfg.CommissionFloor = decimal.Zero
	return cfg
}

func TestMarketFillModes(t *testing.T) {
	bar := testBar(100, 110, 95, 105)

	tests := []struct {
		name string
		mode MarketFillMode
		side types.OrderSide
		want decimal.Decimal
	}{
		{"open", MarketFillOpen, types.OrderSideBuy, decimal.NewFromInt(100)},
		{"close", MarketFillClose, types.OrderSideBuy, decimal.NewFromInt(105)},
		{"vwap", MarketFillVWAP, types.OrderSideBuy, decimal.NewFromFloat(310).Div(decimal.NewFromInt(3))},
		{"worst buy", MarketFillWorst, types.OrderSideBuy, decimal.NewFromInt(105)},
		{"worst sell", MarketFillWorst, types.OrderSideSell, decimal.NewFromInt(100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := noCostConfig()
			cfg.MarketFill = tt.mode
			sim := NewSimulator(cfg)
			order := &types.Order{
				ID:       "o1",
				Symbol:   "AAPL",
				Side:     tt.side,
				Type:     types.OrderTypeMarket,
				Quantity: decimal.NewFromInt(10),
			}
			fill, _ := sim.TryFill(order, bar, false)
			if fill == nil {
				t.Fatal("expected market order to fill")
			}
			if !fill.Price.Equal(tt.want) {
				t.Errorf("price = %s, want %s", fill.Price, tt.want)
			}
		})
	}
}

func TestLimitOrderFills(t *testing.T) {
	sim := NewSimulator(noCostConfig())
	bar := testBar(100, 110, 95, 105)

	tests := []struct {
		name     string
		side     types.OrderSide
		limit    float64
		wantFill bool
	}{
		{"buy limit reached", types.OrderSideBuy, 96, true},
		{"buy limit below low", types.OrderSideBuy, 94, false},
		{"sell limit reached", types.OrderSideSell, 109, true},
		{"sell limit above high", types.OrderSideSell, 111, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := &types.Order{
				ID:         "o1",
				Symbol:     "AAPL",
				Side:       tt.side,
				Type:       types.OrderTypeLimit,
				Quantity:   decimal.NewFromInt(5),
				LimitPrice: decimal.NewFromFloat(tt.limit),
			}
			fill, _ := sim.TryFill(order, bar, false)
			if tt.wantFill && fill == nil {
				t.Fatal("expected fill")
			}
			if !tt.wantFill && fill != nil {
				t.Fatalf("unexpected fill at %s", fill.Price)
			}
			if fill != nil && !fill.Price.Equal(decimal.NewFromFloat(tt.limit)) {
				t.Errorf("price = %s, want limit %v", fill.Price, tt.limit)
			}
		})
	}
}

func TestStopLimitTriggerCarriesAcrossBars(t *testing.T) {
	sim := NewSimulator(noCostConfig())
	order := &types.Order{
		ID:         "o1",
		Symbol:     "AAPL",
		Side:       types.OrderSideBuy,
		Type:       types.OrderTypeStopLimit,
		Quantity:   decimal.NewFromInt(5),
		StopPrice:  decimal.NewFromInt(108),
		LimitPrice: decimal.NewFromInt(104),
	}

	// Bar 1: stop not reached, still untriggered.
	fill, triggered := sim.TryFill(order, testBar(100, 105, 99, 103), false)
	if fill != nil || triggered {
		t.Fatalf("fill=%v triggered=%v, want no fill untriggered", fill, triggered)
	}

	// Bar 2: stop reached but limit not touchable on the same bar.
	fill, triggered = sim.TryFill(order, testBar(106, 112, 105, 110), triggered)
	if fill != nil {
		t.Fatalf("unexpected fill at %s", fill.Price)
	}
	if !triggered {
		t.Fatal("expected trigger to latch")
	}

	// Bar 3: limit reached after trigger.
	fill, _ = sim.TryFill(order, testBar(109, 111, 103, 105), triggered)
	if fill == nil {
		t.Fatal("expected fill after trigger")
	}
	if !fill.Price.Equal(decimal.NewFromInt(104)) {
		t.Errorf("price = %s, want 104", fill.Price)
	}
}

func TestSlippageIsUnfavorable(t *testing.T) {
	cfg := noCostConfig()
	cfg.SlippageBps = decimal.NewFromInt(10)
	sim := NewSimulator(cfg)
	bar := testBar(100, 110, 95, 100)

	buy := &types.Order{ID: "b", Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	fill, _ := sim.TryFill(buy, bar, false)
	if !fill.Price.Equal(decimal.NewFromFloat(100.1)) {
		t.Errorf("buy price = %s, want 100.1", fill.Price)
	}

	sell := &types.Order{ID: "s", Symbol: "AAPL", Side: types.OrderSideSell, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	fill, _ = sim.TryFill(sell, bar, false)
	if !fill.Price.Equal(decimal.NewFromFloat(99.9)) {
		t.Errorf("sell price = %s, want 99.9", fill.Price)
	}
}

func TestCommissionFloor(t *testing.T) {
	cfg := noCostConfig()
	cfg.CommissionBps = decimal.NewFromInt(10)
	cfg.CommissionFloor = decimal.NewFromInt(1)
	sim := NewSimulator(cfg)

	// Tiny notional: 10bps of 100 is 0.10, below the floor.
	small := &types.Order{ID: "o1", Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	fill, _ := sim.TryFill(small, testBar(100, 101, 99, 100), false)
	if !fill.Commission.Equal(decimal.NewFromInt(1)) {
		t.Errorf("commission = %s, want floor 1", fill.Commission)
	}

	// Large notional clears the floor.
	large := &types.Order{ID: "o2", Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(100)}
	fill, _ = sim.TryFill(large, testBar(100, 101, 99, 100), false)
	if !fill.Commission.Equal(decimal.NewFromInt(10)) {
		t.Errorf("commission = %s, want 10", fill.Commission)
	}
}

func TestFillSimulationIsDeterministic(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	bar := testBar(100, 110, 95, 105)
	order := &types.Order{
		ID:       "o1",
		Symbol:   "AAPL",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromInt(7),
	}

	first, _ := sim.TryFill(order, bar, false)
	for i := 0; i < 10; i++ {
		again, _ := sim.TryFill(order, bar, false)
		if !again.Price.Equal(first.Price) || !again.Commission.Equal(first.Commission) || !again.Slippage.Equal(first.Slippage) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestVolumeImpactSlippage(t *testing.T) {
	model := &VolumeImpactSlippage{
		BaseBps:      decimal.NewFromInt(5),
		ImpactFactor: decimal.NewFromFloat(0.01),
	}
	bar := testBar(100, 110, 95, 105)

	small := &types.Order{Quantity: decimal.NewFromInt(10)}
	large := &types.Order{Quantity: decimal.NewFromInt(1000)}
	if !model.Rate(small, bar).LessThan(model.Rate(large, bar)) {
		t.Error("expected larger participation to cost more")
	}

	// Zero volume falls back to the base rate.
	empty := bar
	empty.Volume = decimal.Zero
	if !model.Rate(large, empty).Equal(decimal.NewFromFloat(0.0005)) {
		t.Errorf("zero-volume rate = %s, want 0.0005", model.Rate(large, empty))
	}
}
