package bars

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaverhq/weaver/pkg/types"
)

const selectBarSQL = `
SELECT symbol, timeframe, ts, open, high, low, close, volume
FROM bars
`

// PostgresRepository persists bars in the bars table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a bar repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetBars returns bars in [start, end] ascending.
func (r *PostgresRepository) GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	rows, err := r.pool.Query(ctx,
		selectBarSQL+" WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4 ORDER BY ts ASC",
		symbol, string(tf), start, end)
	if err != nil {
		return nil, fmt.Errorf("get bars %s/%s: %w", symbol, tf, err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// SaveBars upserts bars by their natural key.
func (r *PostgresRepository) SaveBars(ctx context.Context, bars []types.Bar) error {
	batch := &pgx.Batch{}
	for _, bar := range bars {
		batch.Queue(`
INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (symbol, timeframe, ts)
DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
              close = EXCLUDED.close, volume = EXCLUDED.volume`,
			bar.Symbol, string(bar.Timeframe), bar.Timestamp.UTC(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save bars: %w", err)
		}
	}
	return nil
}

// GetBarAt returns the bar at exactly ts, or nil.
func (r *PostgresRepository) GetBarAt(ctx context.Context, symbol string, tf types.Timeframe, ts time.Time) (*types.Bar, error) {
	row := r.pool.QueryRow(ctx,
		selectBarSQL+" WHERE symbol = $1 AND timeframe = $2 AND ts = $3",
		symbol, string(tf), ts.UTC())
	var bar types.Bar
	var tfStr string
	err := row.Scan(&bar.Symbol, &tfStr, &bar.Timestamp,
		&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bar at %s: %w", ts, err)
	}
	bar.Timeframe = types.Timeframe(tfStr)
	return &bar, nil
}

func scanBars(rows pgx.Rows) ([]types.Bar, error) {
	var out []types.Bar
	for rows.Next() {
		var bar types.Bar
		var tfStr string
		if err := rows.Scan(&bar.Symbol, &tfStr, &bar.Timestamp,
			&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bar.Timeframe = types.Timeframe(tfStr)
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bars: %w", err)
	}
	return out, nil
}
