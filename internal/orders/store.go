// Package orders provides the order store shared by the backtest engine, the
// live broker and the HTTP read path.
package orders

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weaverhq/weaver/pkg/types"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	RunID     string
	Status    types.OrderStatus
	Symbol    string
	StartTime *time.Time
	EndTime   *time.Time
}

// Store is the order persistence contract. Client order ids are unique
// across the store.
type Store interface {
	Put(ctx context.Context, order *types.Order) error
	Get(ctx context.Context, id string) (*types.Order, error)
	GetByClientID(ctx context.Context, clientOrderID string) (*types.Order, error)
	List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Order, int, error)
}

// MemoryStore keeps orders in memory, indexed by id and client order id.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*types.Order
	byClient map[string]string
}

// NewMemoryStore creates an empty order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*types.Order),
		byClient: make(map[string]string),
	}
}

// Put upserts an order snapshot.
func (s *MemoryStore) Put(ctx context.Context, order *types.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneOrder(order)
	s.byID[cp.ID] = cp
	if cp.ClientOrderID != "" {
		s.byClient[cp.ClientOrderID] = cp.ID
	}
	return nil
}

// Get returns the order by internal id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.byID[id]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// GetByClientID returns the order with the given client order id, or the
// not-found sentinel.
func (s *MemoryStore) GetByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byClient[clientOrderID]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	return cloneOrder(s.byID[id]), nil
}

// List returns a page of matching orders, newest first, plus the total count.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Order, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var matched []*types.Order
	for _, order := range s.byID {
		if filter.RunID != "" && order.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(order.Symbol, filter.Symbol) {
			continue
		}
		if filter.StartTime != nil && order.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && order.CreatedAt.After(*filter.EndTime) {
			continue
		}
		matched = append(matched, order)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*types.Order, 0, end-start)
	for _, order := range matched[start:end] {
		out = append(out, cloneOrder(order))
	}
	return out, total, nil
}

func cloneOrder(order *types.Order) *types.Order {
	cp := *order
	if len(order.Fills) > 0 {
		cp.Fills = append([]types.Fill(nil), order.Fills...)
	}
	return &cp
}
