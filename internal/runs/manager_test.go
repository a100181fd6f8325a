package runs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/backtest"
	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/internal/exchange"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/internal/router"
	"github.com/weaverhq/weaver/internal/runs"
	"github.com/weaverhq/weaver/internal/strategy"
	"github.com/weaverhq/weaver/pkg/types"
)

var seriesStart = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

type managerFixture struct {
	t       *testing.T
	log     *eventlog.MemoryLog
	runs    *runs.MemoryRepository
	orders  *orders.MemoryStore
	bars    *bars.MemoryRepository
	adapter *exchange.MockAdapter
	manager *runs.Manager
	router  *router.Router
	ctx     context.Context
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	logger := zap.NewNop()
	elog := eventlog.NewMemoryLog(logger)
	runRepo := runs.NewMemoryRepository()
	orderStore := orders.NewMemoryStore()
	barRepo := bars.NewMemoryRepository(logger)

	registry := strategy.NewRegistry()
	loader := strategy.NewLoader(logger, registry)
	strategy.RegisterBuiltins(registry, loader)

	adapter := exchange.NewMockAdapter()

	sim := backtest.DefaultSimConfig()
	sim.SlippageBps = decimal.Zero
	sim.CommissionBps = decimal.Zero
	sim.CommissionFloor = decimal.Zero

	mgr := runs.NewManager(logger, runs.Deps{
		Log:        elog,
		Runs:       runRepo,
		Orders:     orderStore,
		Strategies: loader,
		Bars:       barRepo,
		Adapter:    adapter,
		Sim:        sim,
	})

	rt := router.New(logger, elog, mgr.ResolveMode)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(rt.Stop)

	return &managerFixture{
		t:       t,
		log:     elog,
		runs:    runRepo,
		orders:  orderStore,
		bars:    barRepo,
		adapter: adapter,
		manager: mgr,
		router:  rt,
		ctx:     ctx,
	}
}

// seedBars writes n one-minute bars starting at seriesStart with close
// prices 100, 101, 102, ...
func (f *managerFixture) seedBars(symbol string, n int) {
	f.t.Helper()
	series := make([]types.Bar, 0, n)
	for i := 0; i < n; i++ {
		price := decimal.NewFromInt(int64(100 + i))
		series = append(series, types.Bar{
			Symbol:    symbol,
			Timeframe: types.Timeframe1m,
			Timestamp: seriesStart.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price.Add(decimal.NewFromInt(1)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	if err := f.bars.SaveBars(f.ctx, series); err != nil {
		f.t.Fatalf("seed bars: %v", err)
	}
}

func (f *managerFixture) backtestRequest(config map[string]any, minutes int) runs.CreateRequest {
	end := seriesStart.Add(time.Duration(minutes) * time.Minute)
	return runs.CreateRequest{
		StrategyID: "scripted",
		Mode:       types.RunModeBacktest,
		Symbols:    []string{"AAPL"},
		Timeframe:  types.Timeframe1m,
		StartTime:  &seriesStart,
		EndTime:    &end,
		Config:     config,
	}
}

func (f *managerFixture) waitForStatus(id string, want types.RunStatus) *types.Run {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.manager.Get(f.ctx, id)
		if err != nil {
			f.t.Fatalf("get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := f.manager.Get(f.ctx, id)
	f.t.Fatalf("run %s never reached %s, last status %s (error %q)", id, want, run.Status, run.Error)
	return nil
}

func (f *managerFixture) countEvents(evType string) int {
	f.t.Helper()
	found, err := f.log.Query(f.ctx, eventlog.Query{Types: []string{evType}})
	if err != nil {
		f.t.Fatalf("query events: %v", err)
	}
	return len(found)
}

func TestCreateValidation(t *testing.T) {
	f := newManagerFixture(t)
	end := seriesStart.Add(time.Hour)

	cases := []struct {
		name string
		req  runs.CreateRequest
		want error
	}{
		{
			name: "invalid mode",
			req:  runs.CreateRequest{StrategyID: "scripted", Mode: "simulated", Symbols: []string{"AAPL"}, Timeframe: types.Timeframe1m},
			want: types.ErrInvalidRunMode,
		},
		{
			name: "invalid timeframe",
			req:  runs.CreateRequest{StrategyID: "scripted", Mode: types.RunModePaper, Symbols: []string{"AAPL"}, Timeframe: "2m"},
			want: types.ErrValidation,
		},
		{
			name: "no symbols",
			req:  runs.CreateRequest{StrategyID: "scripted", Mode: types.RunModePaper, Timeframe: types.Timeframe1m},
			want: types.ErrValidation,
		},
		{
			name: "unknown strategy",
			req:  runs.CreateRequest{StrategyID: "nope", Mode: types.RunModePaper, Symbols: []string{"AAPL"}, Timeframe: types.Timeframe1m},
			want: types.ErrStrategyNotFound,
		},
		{
			name: "backtest without range",
			req:  runs.CreateRequest{StrategyID: "scripted", Mode: types.RunModeBacktest, Symbols: []string{"AAPL"}, Timeframe: types.Timeframe1m},
			want: types.ErrValidation,
		},
		{
			name: "backtest with inverted range",
			req:  runs.CreateRequest{StrategyID: "scripted", Mode: types.RunModeBacktest, Symbols: []string{"AAPL"}, Timeframe: types.Timeframe1m, StartTime: &end, EndTime: &seriesStart},
			want: types.ErrValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Create(f.ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreatePersistsPendingRunAndEmitsEvent(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, f.backtestRequest(nil, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.Status != types.RunStatusPending {
		t.Errorf("status = %s, want pending", run.Status)
	}
	if run.ID == "" {
		t.Error("run id not assigned")
	}
	stored, err := f.manager.Get(f.ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.StrategyID != "scripted" {
		t.Errorf("strategy = %s", stored.StrategyID)
	}
	if got := f.countEvents(types.EventRunCreated); got != 1 {
		t.Errorf("run.Created events = %d, want 1", got)
	}
}

func TestBacktestRunEndToEnd(t *testing.T) {
	f := newManagerFixture(t)
	f.seedBars("AAPL", 10)

	config := map[string]any{
		"script": []map[string]any{
			{"bar_index": 1, "action": "place_order", "side": "buy", "quantity": "2", "client_order_id": "e2e-buy"},
			{"bar_index": 3, "action": "place_order", "side": "sell", "quantity": "2", "client_order_id": "e2e-sell"},
		},
	}
	run, err := f.manager.Create(f.ctx, f.backtestRequest(config, 6))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := f.waitForStatus(run.ID, types.RunStatusCompleted)
	if done.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if done.Stats == nil {
		t.Fatal("stats not computed")
	}

	// Buy queued at bar 1 fills at bar 2 (close 102), sell queued at bar 3
	// fills at bar 4 (close 104): +2 per share on 2 shares.
	wantEquity := decimal.NewFromInt(100004)
	if !done.Stats.FinalEquity.Equal(wantEquity) {
		t.Errorf("final equity = %s, want %s", done.Stats.FinalEquity, wantEquity)
	}
	if done.Stats.TotalFills != 2 {
		t.Errorf("total fills = %d, want 2", done.Stats.TotalFills)
	}

	buy, err := f.orders.GetByClientID(f.ctx, "e2e-buy")
	if err != nil {
		t.Fatalf("get buy order: %v", err)
	}
	if buy.Status != types.OrderStatusFilled {
		t.Errorf("buy status = %s, want filled", buy.Status)
	}
	if !buy.FilledAvgPrice.Equal(decimal.NewFromInt(102)) {
		t.Errorf("buy fill price = %s, want 102", buy.FilledAvgPrice)
	}

	if got := f.countEvents(types.EventClockTick); got != 6 {
		t.Errorf("clock.Tick events = %d, want 6", got)
	}
	if got := f.countEvents(types.EventOrdersFilled); got != 2 {
		t.Errorf("orders.Filled events = %d, want 2", got)
	}
	if got := f.countEvents(types.EventRunCompleted); got != 1 {
		t.Errorf("run.Completed events = %d, want 1", got)
	}
	if f.manager.ActiveRuns() != 0 {
		t.Error("run context leaked after completion")
	}
}

// runScriptedBacktest executes the end-to-end scenario against a fresh
// fixture and returns the orders.Filled sequence plus the final stats.
func runScriptedBacktest(t *testing.T) ([]string, *types.RunStats) {
	t.Helper()
	f := newManagerFixture(t)
	f.seedBars("AAPL", 10)

	config := map[string]any{
		"script": []map[string]any{
			{"bar_index": 1, "action": "place_order", "side": "buy", "quantity": "2", "client_order_id": "e2e-buy"},
			{"bar_index": 3, "action": "place_order", "side": "sell", "quantity": "2", "client_order_id": "e2e-sell"},
		},
	}
	run, err := f.manager.Create(f.ctx, f.backtestRequest(config, 6))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := f.waitForStatus(run.ID, types.RunStatusCompleted)

	fills, err := f.log.Query(f.ctx, eventlog.Query{Types: []string{types.EventOrdersFilled}})
	if err != nil {
		t.Fatalf("query fills: %v", err)
	}
	sequence := make([]string, 0, len(fills))
	for _, env := range fills {
		var payload types.OrderEventPayload
		if err := env.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		sequence = append(sequence, fmt.Sprintf("%s %s %s@%s",
			payload.Order.ClientOrderID, payload.Order.Side,
			payload.Fill.Quantity, payload.Fill.Price))
	}
	return sequence, done.Stats
}

func TestBacktestRunsAreDeterministic(t *testing.T) {
	firstFills, firstStats := runScriptedBacktest(t)
	secondFills, secondStats := runScriptedBacktest(t)

	if len(firstFills) != len(secondFills) {
		t.Fatalf("fill counts differ: %d vs %d", len(firstFills), len(secondFills))
	}
	for i := range firstFills {
		if firstFills[i] != secondFills[i] {
			t.Errorf("fill %d differs: %q vs %q", i, firstFills[i], secondFills[i])
		}
	}

	if !firstStats.FinalEquity.Equal(secondStats.FinalEquity) {
		t.Errorf("final equity differs: %s vs %s", firstStats.FinalEquity, secondStats.FinalEquity)
	}
	if !firstStats.TotalReturn.Equal(secondStats.TotalReturn) {
		t.Errorf("total return differs: %s vs %s", firstStats.TotalReturn, secondStats.TotalReturn)
	}
	if !firstStats.MaxDrawdown.Equal(secondStats.MaxDrawdown) {
		t.Errorf("max drawdown differs: %s vs %s", firstStats.MaxDrawdown, secondStats.MaxDrawdown)
	}
	if firstStats.TotalFills != secondStats.TotalFills {
		t.Errorf("total fills differ: %d vs %d", firstStats.TotalFills, secondStats.TotalFills)
	}
}

func TestStartRequiresPendingRun(t *testing.T) {
	f := newManagerFixture(t)
	f.seedBars("AAPL", 5)

	run, err := f.manager.Create(f.ctx, f.backtestRequest(nil, 3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitForStatus(run.ID, types.RunStatusCompleted)

	if err := f.manager.Start(f.ctx, run.ID); !errors.Is(err, types.ErrRunNotStartable) {
		t.Errorf("restart of completed run: got %v, want ErrRunNotStartable", err)
	}
	if err := f.manager.Start(f.ctx, "missing"); !errors.Is(err, types.ErrRunNotFound) {
		t.Errorf("start of unknown run: got %v, want ErrRunNotFound", err)
	}
}

func TestConcurrentStartsAdmitOneWinner(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, runs.CreateRequest{
		StrategyID: "scripted",
		Mode:       types.RunModePaper,
		Symbols:    []string{"AAPL"},
		Timeframe:  types.Timeframe1m,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const starters = 8
	results := make(chan error, starters)
	var ready sync.WaitGroup
	ready.Add(starters)
	release := make(chan struct{})
	for i := 0; i < starters; i++ {
		go func() {
			ready.Done()
			<-release
			results <- f.manager.Start(f.ctx, run.ID)
		}()
	}
	ready.Wait()
	close(release)

	var won, refused int
	for i := 0; i < starters; i++ {
		switch err := <-results; {
		case err == nil:
			won++
		case errors.Is(err, types.ErrRunNotStartable):
			refused++
		default:
			t.Errorf("unexpected start error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("successful starts = %d, want 1", won)
	}
	if refused != starters-1 {
		t.Errorf("refused starts = %d, want %d", refused, starters-1)
	}
	if f.manager.ActiveRuns() != 1 {
		t.Errorf("active runs = %d, want 1", f.manager.ActiveRuns())
	}

	if err := f.manager.Stop(f.ctx, run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.manager.ActiveRuns() != 0 {
		t.Error("run context leaked after stop")
	}
}

func TestStartWithoutBarRepositoryFails(t *testing.T) {
	logger := zap.NewNop()
	elog := eventlog.NewMemoryLog(logger)
	registry := strategy.NewRegistry()
	loader := strategy.NewLoader(logger, registry)
	strategy.RegisterBuiltins(registry, loader)

	mgr := runs.NewManager(logger, runs.Deps{
		Log:        elog,
		Runs:       runs.NewMemoryRepository(),
		Orders:     orders.NewMemoryStore(),
		Strategies: loader,
		Sim:        backtest.DefaultSimConfig(),
	})

	ctx := context.Background()
	end := seriesStart.Add(time.Hour)
	run, err := mgr.Create(ctx, runs.CreateRequest{
		StrategyID: "scripted",
		Mode:       types.RunModeBacktest,
		Symbols:    []string{"AAPL"},
		Timeframe:  types.Timeframe1m,
		StartTime:  &seriesStart,
		EndTime:    &end,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.Start(ctx, run.ID); !errors.Is(err, types.ErrRunNotStartable) {
		t.Errorf("got %v, want ErrRunNotStartable", err)
	}
}

func TestStopPendingRun(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, f.backtestRequest(nil, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Stop(f.ctx, run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stopped, _ := f.manager.Get(f.ctx, run.ID)
	if stopped.Status != types.RunStatusStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if stopped.StoppedAt == nil {
		t.Error("stoppedAt not set")
	}
	if got := f.countEvents(types.EventRunStopped); got != 1 {
		t.Errorf("run.Stopped events = %d, want 1", got)
	}
}

func TestStopRunningPaperRun(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, runs.CreateRequest{
		StrategyID: "scripted",
		Mode:       types.RunModePaper,
		Symbols:    []string{"AAPL"},
		Timeframe:  types.Timeframe1m,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.adapter.Connected() {
		t.Error("adapter not connected after start")
	}
	if f.manager.ActiveRuns() != 1 {
		t.Errorf("active runs = %d, want 1", f.manager.ActiveRuns())
	}

	if err := f.manager.Stop(f.ctx, run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stopped, _ := f.manager.Get(f.ctx, run.ID)
	if stopped.Status != types.RunStatusStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if f.manager.ActiveRuns() != 0 {
		t.Error("run context leaked after stop")
	}

	// Stopping again is a no-op: same status, no second run.Stopped.
	if err := f.manager.Stop(f.ctx, run.ID); err != nil {
		t.Errorf("second stop: got %v, want nil", err)
	}
	again, _ := f.manager.Get(f.ctx, run.ID)
	if again.Status != types.RunStatusStopped {
		t.Errorf("status after second stop = %s, want stopped", again.Status)
	}
	if got := f.countEvents(types.EventRunStopped); got != 1 {
		t.Errorf("run.Stopped events = %d, want 1", got)
	}
}

func TestStopCompletedRunIsNoOp(t *testing.T) {
	f := newManagerFixture(t)
	f.seedBars("AAPL", 5)

	run, err := f.manager.Create(f.ctx, f.backtestRequest(nil, 3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitForStatus(run.ID, types.RunStatusCompleted)

	if err := f.manager.Stop(f.ctx, run.ID); err != nil {
		t.Fatalf("stop of completed run: got %v, want nil", err)
	}
	again, _ := f.manager.Get(f.ctx, run.ID)
	if again.Status != types.RunStatusCompleted {
		t.Errorf("status = %s, want completed to survive stop", again.Status)
	}
	if got := f.countEvents(types.EventRunStopped); got != 0 {
		t.Errorf("run.Stopped events = %d, want 0", got)
	}
}

func TestDeleteRefusesRunningRun(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, runs.CreateRequest{
		StrategyID: "scripted",
		Mode:       types.RunModePaper,
		Symbols:    []string{"AAPL"},
		Timeframe:  types.Timeframe1m,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.manager.Delete(f.ctx, run.ID); !errors.Is(err, types.ErrRunActive) {
		t.Errorf("delete running run: got %v, want ErrRunActive", err)
	}

	if err := f.manager.Stop(f.ctx, run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.manager.Delete(f.ctx, run.ID); err != nil {
		t.Fatalf("delete stopped run: %v", err)
	}
	if _, err := f.manager.Get(f.ctx, run.ID); !errors.Is(err, types.ErrRunNotFound) {
		t.Errorf("get deleted run: got %v, want ErrRunNotFound", err)
	}
}

func TestStrategyErrorFailsRun(t *testing.T) {
	f := newManagerFixture(t)
	f.seedBars("AAPL", 5)

	config := map[string]any{
		"script": []map[string]any{
			{"bar_index": 1, "action": "explode"},
		},
	}
	run, err := f.manager.Create(f.ctx, f.backtestRequest(config, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Start(f.ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	failed := f.waitForStatus(run.ID, types.RunStatusError)
	if !strings.Contains(failed.Error, "unknown script action") {
		t.Errorf("error message = %q", failed.Error)
	}
	if got := f.countEvents(types.EventRunError); got != 1 {
		t.Errorf("run.Error events = %d, want 1", got)
	}
	if f.manager.ActiveRuns() != 0 {
		t.Error("run context leaked after failure")
	}
}

func TestRecoverMarksInterruptedRuns(t *testing.T) {
	f := newManagerFixture(t)

	started := seriesStart
	interrupted := &types.Run{
		ID:         "stale-1",
		StrategyID: "scripted",
		Mode:       types.RunModePaper,
		Symbols:    []string{"AAPL"},
		Timeframe:  types.Timeframe1m,
		Status:     types.RunStatusRunning,
		CreatedAt:  started,
		StartedAt:  &started,
	}
	if err := f.runs.Create(f.ctx, interrupted); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	if err := f.manager.Recover(f.ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	recovered, err := f.manager.Get(f.ctx, "stale-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if recovered.Status != types.RunStatusError {
		t.Errorf("status = %s, want error", recovered.Status)
	}
	if recovered.Error != "process terminated" {
		t.Errorf("error = %q", recovered.Error)
	}
	if got := f.countEvents(types.EventRunError); got != 1 {
		t.Errorf("run.Error events = %d, want 1", got)
	}
}

func TestUpdateStats(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, f.backtestRequest(nil, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stats := &types.RunStats{FinalEquity: decimal.NewFromInt(123456)}
	if err := f.manager.UpdateStats(f.ctx, run.ID, stats); err != nil {
		t.Fatalf("update stats: %v", err)
	}
	stored, _ := f.manager.Get(f.ctx, run.ID)
	if stored.Stats == nil || !stored.Stats.FinalEquity.Equal(stats.FinalEquity) {
		t.Errorf("stats not persisted: %+v", stored.Stats)
	}
}

func TestResolveMode(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Create(f.ctx, f.backtestRequest(nil, 5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mode, ok := f.manager.ResolveMode(run.ID)
	if !ok || mode != types.RunModeBacktest {
		t.Errorf("resolve = (%s, %v), want (backtest, true)", mode, ok)
	}
	if _, ok := f.manager.ResolveMode("missing"); ok {
		t.Error("resolved a mode for an unknown run")
	}
}
