package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/pkg/types"
)

const selectOrderSQL = `
SELECT id, client_order_id, exchange_order_id, run_id, symbol, side, type,
       quantity, limit_price, stop_price, time_in_force, status,
       filled_qty, filled_avg_price, fills, reject_reason,
       created_at, submitted_at, filled_at, cancelled_at
FROM orders
`

// PostgresStore persists orders in the orders table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates an order store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put upserts the order keyed by id.
func (s *PostgresStore) Put(ctx context.Context, order *types.Order) error {
	fills, err := json.Marshal(order.Fills)
	if err != nil {
		return fmt.Errorf("encode fills: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO orders (id, client_order_id, exchange_order_id, run_id, symbol, side, type,
                    quantity, limit_price, stop_price, time_in_force, status,
                    filled_qty, filled_avg_price, fills, reject_reason,
                    created_at, submitted_at, filled_at, cancelled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (id) DO UPDATE SET
    exchange_order_id = EXCLUDED.exchange_order_id,
    status            = EXCLUDED.status,
    filled_qty        = EXCLUDED.filled_qty,
    filled_avg_price  = EXCLUDED.filled_avg_price,
    fills             = EXCLUDED.fills,
    reject_reason     = EXCLUDED.reject_reason,
    submitted_at      = EXCLUDED.submitted_at,
    filled_at         = EXCLUDED.filled_at,
    cancelled_at      = EXCLUDED.cancelled_at`,
		order.ID, order.ClientOrderID, order.ExchangeOrderID, order.RunID,
		order.Symbol, string(order.Side), string(order.Type),
		order.Quantity, order.LimitPrice, order.StopPrice,
		string(order.TimeInForce), string(order.Status),
		order.FilledQty, order.FilledAvgPrice, fills, order.RejectReason,
		order.CreatedAt, order.SubmittedAt, order.FilledAt, order.CancelledAt)
	if err != nil {
		return fmt.Errorf("put order %s: %w", order.ID, err)
	}
	return nil
}

// Get returns the order by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Order, error) {
	row := s.pool.QueryRow(ctx, selectOrderSQL+" WHERE id = $1", id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return order, nil
}

// GetByClientID returns the order with the given client order id.
func (s *PostgresStore) GetByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	row := s.pool.QueryRow(ctx, selectOrderSQL+" WHERE client_order_id = $1", clientOrderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order by client id %s: %w", clientOrderID, err)
	}
	return order, nil
}

// List returns a page of matching orders, newest first, plus the total count.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Order, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where := " WHERE 1=1"
	args := []any{}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		where += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.StartTime != nil {
		args = append(args, *filter.StartTime)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.EndTime != nil {
		args = append(args, *filter.EndTime)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.pool.Query(ctx,
		selectOrderSQL+where+fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate orders: %w", err)
	}
	return out, total, nil
}

func scanOrder(row pgx.Row) (*types.Order, error) {
	var order types.Order
	var side, typ, tif, status string
	var limitPrice, stopPrice *decimal.Decimal
	var fills []byte
	err := row.Scan(&order.ID, &order.ClientOrderID, &order.ExchangeOrderID, &order.RunID,
		&order.Symbol, &side, &typ,
		&order.Quantity, &limitPrice, &stopPrice, &tif, &status,
		&order.FilledQty, &order.FilledAvgPrice, &fills, &order.RejectReason,
		&order.CreatedAt, &order.SubmittedAt, &order.FilledAt, &order.CancelledAt)
	if err != nil {
		return nil, err
	}
	order.Side = types.OrderSide(side)
	order.Type = types.OrderType(typ)
	order.TimeInForce = types.TimeInForce(tif)
	order.Status = types.OrderStatus(status)
	if limitPrice != nil {
		order.LimitPrice = *limitPrice
	}
	if stopPrice != nil {
		order.StopPrice = *stopPrice
	}
	if len(fills) > 0 {
		if err := json.Unmarshal(fills, &order.Fills); err != nil {
			return nil, fmt.Errorf("decode fills: %w", err)
		}
	}
	return &order, nil
}
