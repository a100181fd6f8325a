package runs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/backtest"
	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/clock"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/internal/exchange"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/internal/strategy"
	"github.com/weaverhq/weaver/pkg/types"
)

const managerProducer = "run-manager"

// Deps carries the collaborators the manager needs. Bars and Adapter are
// optional: Bars is required only to start backtest runs, Adapter only to
// start paper or live runs.
type Deps struct {
	Log        eventlog.Log
	Runs       Repository
	Orders     orders.Store
	Strategies *strategy.Loader
	Bars       bars.Repository
	Adapter    exchange.Adapter
	Sim        backtest.SimConfig
}

// CreateRequest is the validated input for a new run.
type CreateRequest struct {
	StrategyID string          `json:"strategyId"`
	Mode       types.RunMode   `json:"mode"`
	Symbols    []string        `json:"symbols"`
	Timeframe  types.Timeframe `json:"timeframe"`
	StartTime  *time.Time      `json:"startTime,omitempty"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	Config     map[string]any  `json:"config,omitempty"`
}

// runContext holds the live components of a started run. Ownership is
// exclusive: whoever removes the context from the manager's map performs
// cleanup and the terminal transition.
type runContext struct {
	run    *types.Run
	clock  clock.Clock
	runner *strategy.Runner
	engine *backtest.Engine
	broker *exchange.Broker
	cancel context.CancelFunc

	stopRequested atomic.Bool

	mu       sync.Mutex
	firstErr error
}

func (rc *runContext) setErr(err error) {
	rc.mu.Lock()
	if rc.firstErr == nil {
		rc.firstErr = err
	}
	rc.mu.Unlock()
}

func (rc *runContext) err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.firstErr
}

// Manager is the authoritative owner of run lifecycle and of the in-memory
// run contexts. All status transitions go through it.
type Manager struct {
	logger *zap.Logger
	deps   Deps

	mu       sync.Mutex
	contexts map[string]*runContext
	starting map[string]struct{}
}

// NewManager creates a run manager.
func NewManager(logger *zap.Logger, deps Deps) *Manager {
	return &Manager{
		logger:   logger,
		deps:     deps,
		contexts: make(map[string]*runContext),
		starting: make(map[string]struct{}),
	}
}

// Create validates the request, persists a pending run and appends
// run.Created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Run, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidRunMode, req.Mode)
	}
	if !req.Timeframe.Valid() {
		return nil, fmt.Errorf("%w: unknown timeframe %q", types.ErrValidation, req.Timeframe)
	}
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", types.ErrValidation)
	}
	if req.StrategyID == "" {
		return nil, fmt.Errorf("%w: strategy id is required", types.ErrValidation)
	}
	if _, err := m.deps.Strategies.GetMetadata(req.StrategyID); err != nil {
		return nil, err
	}
	if req.Mode == types.RunModeBacktest {
		if req.StartTime == nil || req.EndTime == nil {
			return nil, fmt.Errorf("%w: backtest runs require startTime and endTime", types.ErrValidation)
		}
		if !req.StartTime.Before(*req.EndTime) {
			return nil, fmt.Errorf("%w: startTime must be before endTime", types.ErrValidation)
		}
	}

	run := &types.Run{
		ID:         uuid.NewString(),
		StrategyID: req.StrategyID,
		Mode:       req.Mode,
		Symbols:    append([]string(nil), req.Symbols...),
		Timeframe:  req.Timeframe,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Config:     req.Config,
		Status:     types.RunStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.deps.Runs.Create(ctx, run); err != nil {
		return nil, err
	}
	m.emitRunEvent(ctx, types.EventRunCreated, run, "", nil)
	m.logger.Info("run created",
		zap.String("runId", run.ID),
		zap.String("strategy", run.StrategyID),
		zap.String("mode", string(run.Mode)),
	)
	return run, nil
}

// Get returns the run by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.Run, error) {
	return m.deps.Runs.Get(ctx, id)
}

// List returns a page of runs plus the total matching count.
func (m *Manager) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Run, int, error) {
	return m.deps.Runs.List(ctx, filter, page, pageSize)
}

// Delete removes a run that is not currently running.
func (m *Manager) Delete(ctx context.Context, id string) error {
	run, err := m.deps.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == types.RunStatusRunning {
		return fmt.Errorf("%w: stop run %s before deleting it", types.ErrRunActive, id)
	}
	return m.deps.Runs.Delete(ctx, id)
}

// UpdateStats overwrites the run's statistics.
func (m *Manager) UpdateStats(ctx context.Context, id string, stats *types.RunStats) error {
	run, err := m.deps.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	run.Stats = stats
	return m.deps.Runs.Update(ctx, run)
}

// ResolveMode reports the mode of a known run. It satisfies the domain
// router's resolver contract.
func (m *Manager) ResolveMode(runID string) (types.RunMode, bool) {
	run, err := m.deps.Runs.Get(context.Background(), runID)
	if err != nil {
		return "", false
	}
	return run.Mode, true
}

// ActiveRuns returns the number of runs with a live context.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Start builds the run's component context and begins ticking. The run must
// be pending. The run id is claimed for the duration of the call, so a
// concurrent Start on the same run fails instead of orphaning a context.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	_, active := m.contexts[id]
	_, claimed := m.starting[id]
	if active || claimed {
		m.mu.Unlock()
		return fmt.Errorf("%w: run %s is already started", types.ErrRunNotStartable, id)
	}
	m.starting[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, id)
		m.mu.Unlock()
	}()

	run, err := m.deps.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusPending {
		return fmt.Errorf("%w: run %s is %s", types.ErrRunNotStartable, id, run.Status)
	}
	if run.Mode == types.RunModeBacktest && m.deps.Bars == nil {
		return fmt.Errorf("%w: no bar repository configured for backtests", types.ErrRunNotStartable)
	}
	if run.Mode != types.RunModeBacktest && m.deps.Adapter == nil {
		return fmt.Errorf("%w: no exchange adapter configured for %s runs", types.ErrRunNotStartable, run.Mode)
	}

	rc, err := m.buildContext(ctx, run)
	if err != nil {
		m.fail(ctx, run, err.Error())
		return err
	}

	now := time.Now().UTC()
	run.Status = types.RunStatusRunning
	run.StartedAt = &now
	if err := m.deps.Runs.Update(ctx, run); err != nil {
		m.cleanup(rc)
		return err
	}
	m.emitRunEvent(ctx, types.EventRunStarted, run, "", nil)

	runCtx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	if err := rc.clock.Start(runCtx, run.ID); err != nil {
		m.cleanup(rc)
		m.fail(ctx, run, err.Error())
		return err
	}

	m.mu.Lock()
	m.contexts[run.ID] = rc
	m.mu.Unlock()

	go m.awaitCompletion(run.ID, rc)
	m.logger.Info("run started",
		zap.String("runId", run.ID),
		zap.String("mode", string(run.Mode)),
	)
	return nil
}

func (m *Manager) buildContext(ctx context.Context, run *types.Run) (*runContext, error) {
	strat, err := m.deps.Strategies.Load(run.StrategyID)
	if err != nil {
		return nil, err
	}

	rc := &runContext{run: run}
	rc.runner = strategy.NewRunner(m.logger, run.ID, m.deps.Log, strat)

	switch run.Mode {
	case types.RunModeBacktest:
		rc.engine = backtest.NewEngine(m.logger, run.ID, m.deps.Log, m.deps.Bars, m.deps.Orders, m.deps.Sim)
		if err := rc.engine.Initialize(ctx, run.Symbols, run.Timeframe, *run.StartTime, *run.EndTime); err != nil {
			rc.engine.Close()
			return nil, fmt.Errorf("initialize backtest engine: %w", err)
		}
		rc.clock = clock.NewBacktestClock(m.logger, *run.StartTime, *run.EndTime, run.Timeframe)
	default:
		if !m.deps.Adapter.Connected() {
			if err := m.deps.Adapter.Connect(ctx); err != nil {
				return nil, fmt.Errorf("connect exchange adapter: %w", err)
			}
		}
		rc.broker = exchange.NewBroker(m.logger, run.ID, m.deps.Log, m.deps.Adapter, m.deps.Orders, m.deps.Bars, run.Timeframe)
		rc.broker.Start(context.Background())
		if err := rc.broker.Reconcile(ctx); err != nil {
			m.logger.Warn("order reconciliation incomplete",
				zap.String("runId", run.ID),
				zap.Error(err),
			)
		}
		rc.clock = clock.NewRealtimeClock(m.logger, run.Timeframe)
	}

	if err := rc.runner.Initialize(ctx, run.Symbols, run.Config); err != nil {
		m.cleanup(rc)
		return nil, fmt.Errorf("initialize strategy %s: %w", run.StrategyID, err)
	}

	rc.clock.OnTick(func(tctx context.Context, tick clock.Tick) error {
		if err := m.handleTick(tctx, rc, tick); err != nil {
			if tctx.Err() == nil {
				rc.setErr(err)
				rc.clock.Stop()
			}
			return err
		}
		if rc.broker != nil {
			if err := rc.broker.PollOpenOrders(tctx); err != nil && tctx.Err() == nil {
				m.logger.Warn("open order poll failed",
					zap.String("runId", rc.run.ID),
					zap.Error(err),
				)
			}
		}
		return nil
	})
	return rc, nil
}

// handleTick runs the per-tick phases in their fixed order: append the tick
// envelope, advance the engine's view of time, let the strategy react, then
// drain orders queued before this tick.
func (m *Manager) handleTick(ctx context.Context, rc *runContext, tick clock.Tick) error {
	payload, err := eventlog.MarshalPayload(types.TickPayload{
		RunID:     tick.RunID,
		Timestamp: tick.Timestamp,
		BarIndex:  tick.BarIndex,
		Backtest:  tick.Backtest,
	})
	if err != nil {
		return err
	}
	if _, err := m.deps.Log.Append(ctx, &eventlog.Envelope{
		Type:          types.EventClockTick,
		Producer:      managerProducer,
		RunID:         tick.RunID,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}); err != nil {
		return fmt.Errorf("append tick: %w", err)
	}

	if rc.engine != nil {
		rc.engine.AdvanceTo(ctx, tick)
	}
	if err := rc.runner.OnTick(ctx, tick); err != nil {
		return fmt.Errorf("strategy tick: %w", err)
	}
	if rc.engine != nil {
		if err := rc.engine.ProcessPending(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts a run. Pending runs transition directly to stopped; running runs
// stop their clock and clean up. Stopping a run already in a terminal state
// is a no-op: the run keeps its status and no second run.Stopped is emitted.
func (m *Manager) Stop(ctx context.Context, id string) error {
	run, err := m.deps.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	switch run.Status {
	case types.RunStatusPending:
		now := time.Now().UTC()
		run.Status = types.RunStatusStopped
		run.StoppedAt = &now
		if err := m.deps.Runs.Update(ctx, run); err != nil {
			return err
		}
		m.emitRunEvent(ctx, types.EventRunStopped, run, "", nil)
		return nil
	case types.RunStatusRunning:
	default:
		return nil
	}

	rc := m.takeContext(id)
	if rc == nil {
		// The completion goroutine already claimed it.
		return nil
	}
	rc.stopRequested.Store(true)
	rc.clock.Stop()
	rc.clock.Wait()
	m.cleanup(rc)

	now := time.Now().UTC()
	run.Status = types.RunStatusStopped
	run.StoppedAt = &now
	if err := m.deps.Runs.Update(ctx, run); err != nil {
		return err
	}
	m.emitRunEvent(ctx, types.EventRunStopped, run, "", nil)
	m.logger.Info("run stopped", zap.String("runId", id))
	return nil
}

// awaitCompletion handles the clock finishing on its own: natural backtest
// completion or a fatal tick error.
func (m *Manager) awaitCompletion(id string, rc *runContext) {
	rc.clock.Wait()
	if rc.stopRequested.Load() {
		return
	}
	if m.takeContext(id) == nil {
		return
	}

	ctx := context.Background()
	tickErr := rc.err()

	run, err := m.deps.Runs.Get(ctx, id)
	if err != nil {
		m.cleanup(rc)
		m.logger.Error("run vanished during completion", zap.String("runId", id), zap.Error(err))
		return
	}

	if tickErr != nil {
		m.cleanup(rc)
		m.fail(ctx, run, tickErr.Error())
		return
	}

	var stats *types.RunStats
	if rc.engine != nil {
		stats = rc.engine.Finalize(ctx)
	}
	m.cleanup(rc)

	now := time.Now().UTC()
	run.Status = types.RunStatusCompleted
	run.CompletedAt = &now
	run.Stats = stats
	if err := m.deps.Runs.Update(ctx, run); err != nil {
		m.logger.Error("persist completed run", zap.String("runId", id), zap.Error(err))
		return
	}
	m.emitRunEvent(ctx, types.EventRunCompleted, run, "", stats)
	m.logger.Info("run completed", zap.String("runId", id))
}

// StopAll stops every active run in parallel. Used on process shutdown,
// where waiting out each run's in-flight tick serially would stack up.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	p := pool.New().WithMaxGoroutines(8)
	for _, id := range ids {
		id := id
		p.Go(func() {
			if err := m.Stop(ctx, id); err != nil {
				m.logger.Warn("stop run on shutdown", zap.String("runId", id), zap.Error(err))
			}
		})
	}
	p.Wait()
}

// Recover marks runs left running by a previous process as failed. Called
// once at startup, before any run is started.
func (m *Manager) Recover(ctx context.Context) error {
	stale, _, err := m.deps.Runs.List(ctx, ListFilter{Status: types.RunStatusRunning}, 1, 1000)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range stale {
		m.fail(ctx, run, "process terminated")
		m.logger.Warn("recovered interrupted run", zap.String("runId", run.ID))
	}
	return nil
}

func (m *Manager) takeContext(id string) *runContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := m.contexts[id]
	if rc != nil {
		delete(m.contexts, id)
	}
	return rc
}

// cleanup releases every resource the context holds. Safe to call with
// partially built contexts.
func (m *Manager) cleanup(rc *runContext) {
	if rc.clock != nil {
		rc.clock.Stop()
	}
	if rc.runner != nil {
		rc.runner.Close()
	}
	if rc.engine != nil {
		rc.engine.Close()
	}
	if rc.broker != nil {
		rc.broker.Stop()
	}
	if rc.cancel != nil {
		rc.cancel()
	}
}

func (m *Manager) fail(ctx context.Context, run *types.Run, message string) {
	now := time.Now().UTC()
	run.Status = types.RunStatusError
	run.Error = message
	run.StoppedAt = &now
	if err := m.deps.Runs.Update(ctx, run); err != nil {
		m.logger.Error("persist failed run",
			zap.String("runId", run.ID),
			zap.Error(err),
		)
	}
	m.emitRunEvent(ctx, types.EventRunError, run, message, nil)
	m.logger.Error("run failed",
		zap.String("runId", run.ID),
		zap.String("message", message),
	)
}

func (m *Manager) emitRunEvent(ctx context.Context, evType string, run *types.Run, message string, stats *types.RunStats) {
	now := time.Now().UTC()
	payload, err := eventlog.MarshalPayload(types.RunEventPayload{
		RunID:   run.ID,
		Status:  run.Status,
		Message: message,
		Stats:   stats,
		At:      &now,
	})
	if err != nil {
		m.logger.Error("encode run event", zap.String("type", evType), zap.Error(err))
		return
	}
	if _, err := m.deps.Log.Append(ctx, &eventlog.Envelope{
		Type:          evType,
		Producer:      managerProducer,
		RunID:         run.ID,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}); err != nil {
		m.logger.Warn("append run event",
			zap.String("type", evType),
			zap.String("runId", run.ID),
			zap.Error(err),
		)
	}
}
