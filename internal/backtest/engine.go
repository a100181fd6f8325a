package backtest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/clock"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/pkg/types"
)

const engineProducer = "backtest-engine"

// Engine is the per-run backtest executor. It consumes backtest.* commands
// for its run from the event log, simulates fills against historical bars,
// and emits orders.* and data.WindowReady events. One engine instance serves
// exactly one run.
type Engine struct {
	logger *zap.Logger
	runID  string
	log    eventlog.Log
	repo   bars.Repository
	store  orders.Store
	sim    *Simulator
	cfg    SimConfig
	book   *Book

	symbols []string
	tf      types.Timeframe

	mu       sync.Mutex
	ctx      context.Context
	data     map[string]map[int64]types.Bar
	current  map[string]types.Bar
	barIndex int
	tickTime time.Time
	pending  []*pendingOrder
	byClient map[string]*types.Order

	curve           []types.EquityPoint
	trades          []decimal.Decimal
	totalCommission decimal.Decimal
	totalSlippage   decimal.Decimal
	totalFills      int

	sub *eventlog.Subscription
}

// pendingOrder is a working order awaiting its fill bar. Orders queued at
// bar N are only evaluated from bar N+1 onwards; a strategy never fills
// against the bar it just observed.
type pendingOrder struct {
	order     *types.Order
	queuedBar int
	triggered bool
}

// NewEngine creates a backtest engine for one run.
func NewEngine(logger *zap.Logger, runID string, log eventlog.Log, repo bars.Repository, store orders.Store, cfg SimConfig) *Engine {
	if cfg.InitialCash.IsZero() {
		cfg.InitialCash = DefaultSimConfig().InitialCash
	}
	return &Engine{
		logger:   logger.With(zap.String("component", engineProducer), zap.String("run_id", runID)),
		runID:    runID,
		log:      log,
		repo:     repo,
		store:    store,
		sim:      NewSimulator(cfg),
		cfg:      cfg,
		book:     NewBook(cfg.InitialCash),
		current:  make(map[string]types.Bar),
		byClient: make(map[string]*types.Order),
	}
}

// Initialize preloads the bar series for every symbol and subscribes the
// engine to its run's backtest.* commands.
func (e *Engine) Initialize(ctx context.Context, symbols []string, tf types.Timeframe, start, end time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx = ctx
	e.symbols = symbols
	e.tf = tf
	e.data = make(map[string]map[int64]types.Bar, len(symbols))
	for _, sym := range symbols {
		series, err := e.repo.GetBars(ctx, sym, tf, start, end)
		if err != nil {
			return err
		}
		byTime := make(map[int64]types.Bar, len(series))
		for _, bar := range series {
			byTime[bar.Timestamp.Unix()] = bar
		}
		e.data[sym] = byTime
		e.logger.Info("preloaded bars",
			zap.String("symbol", sym),
			zap.Int("count", len(series)))
	}

	e.sub = e.log.Subscribe(eventlog.Filter{
		Types: []string{
			types.EventBacktestPlaceOrder,
			types.EventBacktestCancelOrder,
			types.EventBacktestFetchWindow,
		},
		RunID: e.runID,
	}, e.handleCommand)
	return nil
}

// Close detaches the engine from the event log.
func (e *Engine) Close() {
	if e.sub != nil {
		e.log.Unsubscribe(e.sub)
	}
}

// Book returns the simulated position book.
func (e *Engine) Book() *Book { return e.book }

// EquityCurve returns a copy of the equity curve recorded so far.
func (e *Engine) EquityCurve() []types.EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.EquityPoint(nil), e.curve...)
}

// AdvanceTo moves the engine to a new tick: it updates the current bar for
// each symbol and the bar index. Symbols with no bar at this timestamp are
// simply absent from the current set.
func (e *Engine) AdvanceTo(ctx context.Context, tick clock.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.barIndex = tick.BarIndex
	e.tickTime = tick.Timestamp
	e.current = make(map[string]types.Bar, len(e.symbols))
	for _, sym := range e.symbols {
		if bar, ok := e.data[sym][tick.Timestamp.Unix()]; ok {
			e.current[sym] = bar
		}
	}
}

// ProcessPending drains orders queued before the current tick, marks open
// positions to the current closes, and records an equity point. Called once
// per tick after the strategy has run.
func (e *Engine) ProcessPending(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var keep []*pendingOrder
	for _, p := range e.pending {
		if p.queuedBar >= e.barIndex {
			// Queued on this tick; eligible from the next bar.
			keep = append(keep, p)
			continue
		}
		if e.drainOne(p) {
			keep = append(keep, p)
		}
	}
	e.pending = keep

	for _, sym := range e.symbols {
		if bar, ok := e.current[sym]; ok {
			e.book.Remark(sym, bar.Close)
		}
	}
	e.curve = append(e.curve, types.EquityPoint{
		Timestamp: e.tickTime,
		Equity:    e.book.Equity(),
		Cash:      e.book.Cash(),
		Drawdown:  e.book.Drawdown(),
	})
	return ctx.Err()
}

// drainOne evaluates one working order against the current bar. It returns
// true when the order should stay pending.
func (e *Engine) drainOne(p *pendingOrder) bool {
	order := p.order

	// Day orders expire at the UTC day boundary.
	if order.TimeInForce == types.TimeInForceDay && dayOf(e.tickTime) != dayOf(order.CreatedAt) {
		e.transition(order, types.OrderStatusExpired, types.EventOrdersExpired, nil)
		return false
	}

	bar, ok := e.current[order.Symbol]
	var fill *types.Fill
	if ok {
		fill, p.triggered = e.sim.TryFill(order, bar, p.triggered)
	}

	if fill == nil {
		// Immediate time-in-force cancels after its first chance to fill.
		if order.TimeInForce == types.TimeInForceIOC || order.TimeInForce == types.TimeInForceFOK {
			now := e.tickTime
			order.CancelledAt = &now
			e.transition(order, types.OrderStatusCancelled, types.EventOrdersCancelled, nil)
			return false
		}
		return true
	}

	fill.ID = uuid.New().String()
	fill.Timestamp = e.tickTime
	order.Status = types.OrderStatusFilled
	order.FilledQty = fill.Quantity
	order.FilledAvgPrice = fill.Price
	order.Fills = append(order.Fills, *fill)
	ts := e.tickTime
	order.FilledAt = &ts

	realized, closed := e.book.ApplyFill(order.Symbol, order.Side, fill)
	if closed {
		e.trades = append(e.trades, realized.Sub(fill.Commission))
	}
	e.totalCommission = e.totalCommission.Add(fill.Commission)
	e.totalSlippage = e.totalSlippage.Add(fill.Slippage)
	e.totalFills++

	e.persist(order)
	e.emit(types.EventOrdersFilled, types.OrderEventPayload{Order: *order, Fill: fill}, "", "")
	e.logger.Debug("order filled",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("price", fill.Price.String()),
		zap.Int("bar_index", e.barIndex))
	return false
}

// Finalize expires any still-working orders and computes the run statistics.
func (e *Engine) Finalize(ctx context.Context) *types.RunStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.pending {
		e.transition(p.order, types.OrderStatusExpired, types.EventOrdersExpired, nil)
	}
	e.pending = nil

	return ComputeStats(e.cfg.InitialCash, e.curve, e.trades, e.totalCommission, e.totalSlippage, e.totalFills)
}

// handleCommand dispatches one backtest.* command. Runs on the event log
// dispatch goroutine; appends made here are queued behind the current
// dispatch, so ordering by offset is preserved.
func (e *Engine) handleCommand(env eventlog.Envelope) error {
	switch env.Type {
	case types.EventBacktestPlaceOrder:
		return e.handlePlace(env)
	case types.EventBacktestCancelOrder:
		return e.handleCancel(env)
	case types.EventBacktestFetchWindow:
		return e.handleFetchWindow(env)
	}
	return nil
}

func (e *Engine) handlePlace(env eventlog.Envelope) error {
	var p types.PlaceOrderPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// One client order id maps to exactly one order. The order's state is
	// already on the log from its original lifecycle events, so a replay
	// appends nothing new.
	if _, ok := e.byClient[p.ClientOrderID]; ok {
		e.logger.Debug("duplicate client order id ignored",
			zap.String("client_order_id", p.ClientOrderID))
		return nil
	}

	tif := p.TimeInForce
	if tif == "" {
		tif = types.TimeInForceDay
	}
	order := &types.Order{
		ID:            uuid.New().String(),
		ClientOrderID: p.ClientOrderID,
		RunID:         e.runID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Type:          p.Type,
		Quantity:      p.Quantity,
		LimitPrice:    p.LimitPrice,
		StopPrice:     p.StopPrice,
		TimeInForce:   tif,
		Status:        types.OrderStatusPending,
		CreatedAt:     e.tickTime,
	}
	e.byClient[p.ClientOrderID] = order
	e.pending = append(e.pending, &pendingOrder{order: order, queuedBar: e.barIndex})

	e.persist(order)
	e.emit(types.EventOrdersCreated, types.OrderEventPayload{Order: *order}, env.CorrelationID, causation(env))
	return nil
}

func (e *Engine) handleCancel(env eventlog.Envelope) error {
	var p types.CancelOrderPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.byClient[p.ClientOrderID]
	if !ok {
		e.logger.Warn("cancel for unknown client order id",
			zap.String("client_order_id", p.ClientOrderID))
		return types.ErrOrderNotFound
	}
	if order.Status.Terminal() {
		e.logger.Debug("cancel ignored for terminal order",
			zap.String("client_order_id", p.ClientOrderID),
			zap.String("status", string(order.Status)))
		return nil
	}

	for i, pend := range e.pending {
		if pend.order == order {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	now := e.tickTime
	order.CancelledAt = &now
	order.Status = types.OrderStatusCancelled
	e.persist(order)
	e.emit(types.EventOrdersCancelled, types.OrderEventPayload{Order: *order}, env.CorrelationID, causation(env))
	return nil
}

// handleFetchWindow answers a window request with the lookback bars ending
// at the current tick, inclusive of the current bar.
func (e *Engine) handleFetchWindow(env eventlog.Envelope) error {
	var p types.FetchWindowPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tf := p.Timeframe
	if tf == "" {
		tf = e.tf
	}
	lookback := p.Lookback
	if lookback <= 0 {
		lookback = 1
	}
	start := e.tickTime.Add(-time.Duration(lookback-1) * tf.Duration())
	window, err := e.repo.GetBars(e.ctx, p.Symbol, tf, start, e.tickTime)
	if err != nil {
		return err
	}
	if len(window) > lookback {
		window = window[len(window)-lookback:]
	}

	e.emit(types.EventDataWindowReady, types.WindowReadyPayload{
		RunID:     e.runID,
		Symbol:    p.Symbol,
		Timeframe: tf,
		Bars:      window,
	}, env.CorrelationID, causation(env))
	return nil
}

// transition moves an order to a terminal status, persists it and emits the
// matching orders.* event.
func (e *Engine) transition(order *types.Order, status types.OrderStatus, evType string, fill *types.Fill) {
	order.Status = status
	e.persist(order)
	e.emit(evType, types.OrderEventPayload{Order: *order, Fill: fill}, "", "")
}

func (e *Engine) persist(order *types.Order) {
	if err := e.store.Put(e.ctx, order); err != nil {
		e.logger.Error("failed to persist order",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (e *Engine) emit(evType string, payload any, correlationID, causationID string) {
	raw, err := eventlog.MarshalPayload(payload)
	if err != nil {
		e.logger.Error("failed to encode event payload",
			zap.String("type", evType),
			zap.Error(err))
		return
	}
	if _, err := e.log.Append(e.ctx, &eventlog.Envelope{
		Type:          evType,
		Producer:      engineProducer,
		RunID:         e.runID,
		Payload:       raw,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}); err != nil {
		e.logger.Error("failed to append event",
			zap.String("type", evType),
			zap.Error(err))
	}
}

func causation(env eventlog.Envelope) string {
	return strconv.FormatInt(env.Offset, 10)
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
