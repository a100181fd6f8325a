// Package types provides shared type definitions for the Weaver trading platform.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunMode selects how a run executes its strategy.
type RunMode string

const (
	RunModeBacktest RunMode = "backtest"
	RunModePaper    RunMode = "paper"
	RunModeLive     RunMode = "live"
)

// Valid reports whether the mode is one of the recognized run modes.
func (m RunMode) Valid() bool {
	switch m {
	case RunModeBacktest, RunModePaper, RunModeLive:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusStopped, RunStatusCompleted, RunStatusError:
		return true
	}
	return false
}

// Run is a trading session. Runs are created pending, started into running,
// and end in exactly one of stopped, completed or error.
type Run struct {
	ID          string         `json:"id"`
	StrategyID  string         `json:"strategyId"`
	Mode        RunMode        `json:"mode"`
	Symbols     []string       `json:"symbols"`
	Timeframe   Timeframe      `json:"timeframe"`
	StartTime   *time.Time     `json:"startTime,omitempty"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Status      RunStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
	Stats       *RunStats      `json:"stats,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	StoppedAt   *time.Time     `json:"stoppedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// RunStats holds the final statistics of a completed backtest run.
type RunStats struct {
	Sharpe          decimal.Decimal `json:"sharpe"`
	Sortino         decimal.Decimal `json:"sortino"`
	MaxDrawdown     decimal.Decimal `json:"maxDrawdown"`
	WinRate         decimal.Decimal `json:"winRate"`
	ProfitFactor    decimal.Decimal `json:"profitFactor"`
	TotalReturn     decimal.Decimal `json:"totalReturn"`
	TotalCommission decimal.Decimal `json:"totalCommission"`
	TotalSlippage   decimal.Decimal `json:"totalSlippage"`
	TotalFills      int             `json:"totalFills"`
	FinalEquity     decimal.Decimal `json:"finalEquity"`
}

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether the side is recognized.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is recognized.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// TimeInForce controls how long an unfilled order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// Valid reports whether the time-in-force is recognized.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	}
	return false
}

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the order status is an end state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order represents a trading order. ClientOrderID is the idempotency key:
// one client order id maps to exactly one order in the system.
type Order struct {
	ID              string          `json:"id"`
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	RunID           string          `json:"runId,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice       decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce     TimeInForce     `json:"timeInForce"`
	Status          OrderStatus     `json:"status"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	FilledAvgPrice  decimal.Decimal `json:"filledAvgPrice"`
	Fills           []Fill          `json:"fills,omitempty"`
	RejectReason    string          `json:"rejectReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	SubmittedAt     *time.Time      `json:"submittedAt,omitempty"`
	FilledAt        *time.Time      `json:"filledAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
}

// Fill is a single execution against an order. Immutable once recorded.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PositionSide represents the direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Position represents a simulated or live position for one (run, symbol).
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Account holds exchange account state.
type Account struct {
	ID          string          `json:"id"`
	Currency    string          `json:"currency"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buyingPower"`
	Active      bool            `json:"active"`
}

// Bar is a single OHLCV candle. Timestamp is the bar-open time in UTC.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// VWAP returns the typical-price approximation (H+L+C)/3.
func (b Bar) VWAP() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// EquityPoint is one sample of the backtest equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// Timeframe represents a canonical bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Valid reports whether the timeframe is in the supported set.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the period of the timeframe. Zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Align floors t to the timeframe boundary in UTC. Day boundaries align
// to UTC midnight.
func (tf Timeframe) Align(t time.Time) time.Time {
	period := tf.Duration()
	if period == 0 {
		return t.UTC()
	}
	secs := t.UTC().Unix()
	periodSecs := int64(period / time.Second)
	return time.Unix((secs/periodSecs)*periodSecs, 0).UTC()
}

// Aligned reports whether t sits exactly on a timeframe boundary.
func (tf Timeframe) Aligned(t time.Time) bool {
	return tf.Align(t).Equal(t.UTC())
}
