package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/pkg/types"
)

// MockAdapter is an in-memory adapter for tests and local development.
// Submitted orders are accepted immediately; FillOrder simulates an
// exchange-side execution.
type MockAdapter struct {
	mu        sync.RWMutex
	connected bool
	account   types.Account
	orders    map[string]*types.Order
	bars      map[string][]types.Bar

	// Failure injection for tests.
	ConnectErr  error
	SubmitErr   error
	GetOrderErr error

	stream chan types.Bar
}

// NewMockAdapter creates a disconnected mock with an active account.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		account: types.Account{
			ID:          "mock-account",
			Currency:    "USD",
			Cash:        decimal.NewFromInt(100000),
			Equity:      decimal.NewFromInt(100000),
			BuyingPower: decimal.NewFromInt(200000),
			Active:      true,
		},
		orders: make(map[string]*types.Order),
		bars:   make(map[string][]types.Bar),
	}
}

// SeedBars loads a bar series served by GetBars and StreamBars.
func (m *MockAdapter) SeedBars(symbol string, bars []types.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[symbol] = bars
}

// Connect verifies the account and marks the adapter connected. Idempotent.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	if !m.account.Active {
		return &Error{Kind: ErrKindConnection, Code: "account_inactive", Message: "account is not active"}
	}
	m.connected = true
	return nil
}

// Disconnect marks the adapter disconnected.
func (m *MockAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Connected reports the connection state.
func (m *MockAdapter) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockAdapter) assertConnected() error {
	if !m.Connected() {
		return types.ErrNotConnected
	}
	return nil
}

// SubmitOrder accepts the order. Resubmitting a known client order id
// returns the existing order without side effects.
func (m *MockAdapter) SubmitOrder(ctx context.Context, order *types.Order) (*SubmitResult, error) {
	if err := m.assertConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}

	if existing, ok := m.orders[order.ClientOrderID]; ok {
		return &SubmitResult{
			Success:         true,
			ExchangeOrderID: existing.ExchangeOrderID,
			Status:          existing.Status,
		}, nil
	}

	cp := *order
	cp.ExchangeOrderID = "mock-" + uuid.New().String()
	cp.Status = types.OrderStatusAccepted
	now := time.Now().UTC()
	cp.SubmittedAt = &now
	m.orders[cp.ClientOrderID] = &cp

	return &SubmitResult{
		Success:         true,
		ExchangeOrderID: cp.ExchangeOrderID,
		Status:          cp.Status,
	}, nil
}

// CancelOrder cancels a working order.
func (m *MockAdapter) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := m.assertConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return types.ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	order.Status = types.OrderStatusCancelled
	order.CancelledAt = &now
	return nil
}

// GetOrder returns the exchange view of an order.
func (m *MockAdapter) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	if err := m.assertConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetOrderErr != nil {
		return nil, m.GetOrderErr
	}
	order, ok := m.orders[clientOrderID]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// ListOrders returns matching orders.
func (m *MockAdapter) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]*types.Order, error) {
	if err := m.assertConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Order
	for _, order := range m.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.Symbol != "" && order.Symbol != filter.Symbol {
			continue
		}
		cp := *order
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// GetAccount returns the mock account.
func (m *MockAdapter) GetAccount(ctx context.Context) (*types.Account, error) {
	if err := m.assertConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct := m.account
	return &acct, nil
}

// GetPositions returns no positions; the mock does not track inventory.
func (m *MockAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := m.assertConnected(); err != nil {
		return nil, err
	}
	return nil, nil
}

// GetBars serves seeded bars within [start, end].
func (m *MockAdapter) GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := m.assertConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Bar
	for _, bar := range m.bars[symbol] {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// StreamBars replays seeded bars onto the returned channel, then holds the
// stream open until ctx cancels or PushBar feeds more.
func (m *MockAdapter) StreamBars(ctx context.Context, symbols []string, tf types.Timeframe) (<-chan types.Bar, <-chan error, error) {
	if err := m.assertConnected(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	if m.stream == nil {
		m.stream = make(chan types.Bar, 64)
	}
	stream := m.stream
	m.mu.Unlock()

	out := make(chan types.Bar)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case bar, ok := <-stream:
				if !ok {
					return
				}
				select {
				case out <- bar:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs, nil
}

// PushBar feeds a bar to an open stream.
func (m *MockAdapter) PushBar(bar types.Bar) {
	m.mu.RLock()
	stream := m.stream
	m.mu.RUnlock()
	if stream != nil {
		stream <- bar
	}
}

// FillOrder simulates an exchange-side fill, used by tests to drive the
// broker's reconciliation path.
func (m *MockAdapter) FillOrder(clientOrderID string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, clientOrderID)
	}
	now := time.Now().UTC()
	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.FilledAvgPrice = price
	order.FilledAt = &now
	order.Fills = append(order.Fills, types.Fill{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		Quantity:  order.Quantity,
		Price:     price,
		Timestamp: now,
	})
	return nil
}
