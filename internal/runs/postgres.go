package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaverhq/weaver/pkg/types"
)

const selectRunSQL = `
SELECT id, strategy_id, mode, symbols, timeframe, start_time, end_time,
       config, status, error, stats, created_at, started_at, stopped_at, completed_at
FROM runs
`

// PostgresRepository persists runs in the runs table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a run repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create stores a new run.
func (r *PostgresRepository) Create(ctx context.Context, run *types.Run) error {
	symbols, config, stats, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO runs (id, strategy_id, mode, symbols, timeframe, start_time, end_time,
                  config, status, error, stats, created_at, started_at, stopped_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.StrategyID, string(run.Mode), symbols, string(run.Timeframe),
		run.StartTime, run.EndTime, config, string(run.Status), run.Error, stats,
		run.CreatedAt, run.StartedAt, run.StoppedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*types.Run, error) {
	row := r.pool.QueryRow(ctx, selectRunSQL+" WHERE id = $1", id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// List returns a page of matching runs, newest first, plus the total count.
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Run, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where := " WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Mode != "" {
		args = append(args, string(filter.Mode))
		where += fmt.Sprintf(" AND mode = $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := r.pool.Query(ctx,
		selectRunSQL+where+fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return out, total, nil
}

// Update overwrites an existing run.
func (r *PostgresRepository) Update(ctx context.Context, run *types.Run) error {
	symbols, config, stats, err := encodeRun(run)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE runs SET strategy_id = $2, mode = $3, symbols = $4, timeframe = $5,
       start_time = $6, end_time = $7, config = $8, status = $9, error = $10,
       stats = $11, started_at = $12, stopped_at = $13, completed_at = $14
WHERE id = $1`,
		run.ID, run.StrategyID, string(run.Mode), symbols, string(run.Timeframe),
		run.StartTime, run.EndTime, config, string(run.Status), run.Error, stats,
		run.StartedAt, run.StoppedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrRunNotFound
	}
	return nil
}

// Delete removes a run.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM runs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrRunNotFound
	}
	return nil
}

func encodeRun(run *types.Run) (symbols, config, stats []byte, err error) {
	symbols, err = json.Marshal(run.Symbols)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode symbols: %w", err)
	}
	if run.Config != nil {
		config, err = json.Marshal(run.Config)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode config: %w", err)
		}
	}
	if run.Stats != nil {
		stats, err = json.Marshal(run.Stats)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode stats: %w", err)
		}
	}
	return symbols, config, stats, nil
}

func scanRun(row pgx.Row) (*types.Run, error) {
	var run types.Run
	var mode, tf, status string
	var symbols, config, stats []byte
	err := row.Scan(&run.ID, &run.StrategyID, &mode, &symbols, &tf,
		&run.StartTime, &run.EndTime, &config, &status, &run.Error, &stats,
		&run.CreatedAt, &run.StartedAt, &run.StoppedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	run.Mode = types.RunMode(mode)
	run.Timeframe = types.Timeframe(tf)
	run.Status = types.RunStatus(status)
	if err := json.Unmarshal(symbols, &run.Symbols); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &run.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if len(stats) > 0 {
		run.Stats = &types.RunStats{}
		if err := json.Unmarshal(stats, run.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	return &run, nil
}
