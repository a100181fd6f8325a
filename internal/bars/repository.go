// Package bars provides the read-through repository for historical OHLCV
// bars, keyed by (symbol, timeframe, timestamp).
package bars

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

// Repository is the bar store contract. A missing range is not an error:
// GetBars returns whatever exists, in ascending timestamp order, inclusive of
// the range.
type Repository interface {
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error)
	SaveBars(ctx context.Context, bars []types.Bar) error
	GetBarAt(ctx context.Context, symbol string, tf types.Timeframe, ts time.Time) (*types.Bar, error)
}

// MemoryRepository keeps bars in a per-series sorted slice. Historical data
// is immutable once written, so the repository is safe to share across runs.
type MemoryRepository struct {
	mu     sync.RWMutex
	series map[string][]types.Bar
	logger *zap.Logger
}

// NewMemoryRepository creates an empty in-memory bar repository.
func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	return &MemoryRepository{
		series: make(map[string][]types.Bar),
		logger: logger,
	}
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("%s|%s", symbol, tf)
}

// GetBars returns bars in [start, end] ascending.
func (r *MemoryRepository) GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	series := r.series[seriesKey(symbol, tf)]
	var out []types.Bar
	for _, bar := range series {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// SaveBars upserts bars by their natural key.
func (r *MemoryRepository) SaveBars(ctx context.Context, bars []types.Bar) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[string]bool)
	for _, bar := range bars {
		key := seriesKey(bar.Symbol, bar.Timeframe)
		series := r.series[key]
		replaced := false
		for i := range series {
			if series[i].Timestamp.Equal(bar.Timestamp) {
				series[i] = bar
				replaced = true
				break
			}
		}
		if !replaced {
			series = append(series, bar)
		}
		r.series[key] = series
		touched[key] = true
	}
	for key := range touched {
		series := r.series[key]
		sort.Slice(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})
	}
	return nil
}

// GetBarAt returns the bar at exactly ts, or nil.
func (r *MemoryRepository) GetBarAt(ctx context.Context, symbol string, tf types.Timeframe, ts time.Time) (*types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, bar := range r.series[seriesKey(symbol, tf)] {
		if bar.Timestamp.Equal(ts) {
			b := bar
			return &b, nil
		}
	}
	return nil, nil
}
