package strategy

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/internal/clock"
	"github.com/weaverhq/weaver/pkg/types"
)

// RegisterBuiltins wires the compiled-in strategies into a registry and
// loader pair.
func RegisterBuiltins(registry *Registry, loader *Loader) {
	registry.Register("SMACrossStrategy", func() Strategy { return &SMACross{} })
	registry.Register("ScriptedStrategy", func() Strategy { return &Scripted{} })

	loader.RegisterManifest(Manifest{
		ID:          "sma-cross",
		Name:        "SMA Crossover",
		Version:     "1.0.0",
		ClassName:   "SMACrossStrategy",
		Description: "Goes long when the fast SMA crosses above the slow SMA, flat on the cross below.",
		Parameters: []ParamSpec{
			{Name: "fast", Type: "int", Default: 10},
			{Name: "slow", Type: "int", Default: 30},
			{Name: "quantity", Type: "decimal", Default: "1"},
		},
	})
	loader.RegisterManifest(Manifest{
		ID:          "scripted",
		Name:        "Scripted",
		Version:     "1.0.0",
		ClassName:   "ScriptedStrategy",
		Description: "Replays a fixed list of actions keyed by bar index. Intended for tests and demos.",
		Parameters: []ParamSpec{
			{Name: "script", Type: "array"},
		},
	})
}

// decodeConfig round-trips the loosely typed run config into a struct.
func decodeConfig(config map[string]any, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding strategy config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding strategy config: %w", err)
	}
	return nil
}

// SMACross is a simple moving-average crossover strategy. Each tick it
// requests a slow+1 lookback window; the crossover check runs in OnData.
type SMACross struct {
	symbol   string
	fast     int
	slow     int
	quantity decimal.Decimal

	long     bool
	prevDiff decimal.Decimal
	primed   bool
	seq      int
}

type smaCrossConfig struct {
	Fast     int             `json:"fast"`
	Slow     int             `json:"slow"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Initialize validates and applies the config. The strategy trades the first
// symbol of the run.
func (s *SMACross) Initialize(symbols []string, config map[string]any) error {
	if len(symbols) == 0 {
		return fmt.Errorf("%w: sma-cross requires at least one symbol", types.ErrValidation)
	}
	cfg := smaCrossConfig{Fast: 10, Slow: 30, Quantity: decimal.NewFromInt(1)}
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Fast <= 0 || cfg.Slow <= cfg.Fast {
		return fmt.Errorf("%w: need 0 < fast < slow, got fast=%d slow=%d", types.ErrValidation, cfg.Fast, cfg.Slow)
	}
	if !cfg.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	s.symbol = symbols[0]
	s.fast = cfg.Fast
	s.slow = cfg.Slow
	s.quantity = cfg.Quantity
	return nil
}

// OnTick requests the bar window needed for the crossover check.
func (s *SMACross) OnTick(tick clock.Tick) ([]Action, error) {
	return []Action{FetchWindow{Symbol: s.symbol, Lookback: s.slow + 1}}, nil
}

// OnData evaluates the crossover against the delivered window.
func (s *SMACross) OnData(window Window) ([]Action, error) {
	if window.Symbol != s.symbol || len(window.Bars) < s.slow {
		return nil, nil
	}

	fastAvg := smaOf(window.Bars, s.fast)
	slowAvg := smaOf(window.Bars, s.slow)
	diff := fastAvg.Sub(slowAvg)

	defer func() {
		s.prevDiff = diff
		s.primed = true
	}()
	if !s.primed {
		return nil, nil
	}

	crossedUp := s.prevDiff.Sign() <= 0 && diff.Sign() > 0
	crossedDown := s.prevDiff.Sign() >= 0 && diff.Sign() < 0

	switch {
	case crossedUp && !s.long:
		s.long = true
		return []Action{s.order(types.OrderSideBuy)}, nil
	case crossedDown && s.long:
		s.long = false
		return []Action{s.order(types.OrderSideSell)}, nil
	}
	return nil, nil
}

func (s *SMACross) order(side types.OrderSide) PlaceOrder {
	s.seq++
	return PlaceOrder{
		ClientOrderID: fmt.Sprintf("sma-%s-%d", side, s.seq),
		Symbol:        s.symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      s.quantity,
		TimeInForce:   types.TimeInForceGTC,
	}
}

func smaOf(bars []types.Bar, n int) decimal.Decimal {
	var sum decimal.Decimal
	for _, bar := range bars[len(bars)-n:] {
		sum = sum.Add(bar.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// Scripted replays a fixed action list keyed by bar index. Deterministic by
// construction, which makes it the reference strategy for end-to-end tests.
type Scripted struct {
	symbol string
	steps  map[int][]scriptStep
}

type scriptStep struct {
	BarIndex      int               `json:"bar_index"`
	Action        string            `json:"action"`
	Symbol        string            `json:"symbol,omitempty"`
	Side          types.OrderSide   `json:"side,omitempty"`
	Type          types.OrderType   `json:"type,omitempty"`
	Quantity      decimal.Decimal   `json:"quantity,omitempty"`
	LimitPrice    decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce   types.TimeInForce `json:"time_in_force,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Lookback      int               `json:"lookback,omitempty"`
}

type scriptedConfig struct {
	Script []scriptStep `json:"script"`
}

// Initialize parses the script.
func (s *Scripted) Initialize(symbols []string, config map[string]any) error {
	if len(symbols) == 0 {
		return fmt.Errorf("%w: scripted requires at least one symbol", types.ErrValidation)
	}
	var cfg scriptedConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	s.symbol = symbols[0]
	s.steps = make(map[int][]scriptStep)
	for _, step := range cfg.Script {
		s.steps[step.BarIndex] = append(s.steps[step.BarIndex], step)
	}
	return nil
}

// OnTick emits the scripted actions for this bar index.
func (s *Scripted) OnTick(tick clock.Tick) ([]Action, error) {
	steps, ok := s.steps[tick.BarIndex]
	if !ok {
		return nil, nil
	}
	actions := make([]Action, 0, len(steps))
	for _, step := range steps {
		symbol := step.Symbol
		if symbol == "" {
			symbol = s.symbol
		}
		switch step.Action {
		case "fetch_window":
			lookback := step.Lookback
			if lookback <= 0 {
				lookback = 1
			}
			actions = append(actions, FetchWindow{Symbol: symbol, Lookback: lookback})
		case "place_order":
			orderType := step.Type
			if orderType == "" {
				orderType = types.OrderTypeMarket
			}
			actions = append(actions, PlaceOrder{
				ClientOrderID: step.ClientOrderID,
				Symbol:        symbol,
				Side:          step.Side,
				Type:          orderType,
				Quantity:      step.Quantity,
				LimitPrice:    step.LimitPrice,
				StopPrice:     step.StopPrice,
				TimeInForce:   step.TimeInForce,
			})
		case "cancel_order":
			actions = append(actions, CancelOrder{ClientOrderID: step.ClientOrderID})
		default:
			return nil, fmt.Errorf("%w: unknown script action %q", types.ErrValidation, step.Action)
		}
	}
	return actions, nil
}

// OnData is a no-op; scripted runs are tick-driven.
func (s *Scripted) OnData(window Window) ([]Action, error) {
	return nil, nil
}
