package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// notifyChannel is the Postgres NOTIFY channel fired on every append.
const notifyChannel = "weaver_events"

const insertEnvelopeSQL = `
INSERT INTO events_outbox (type, payload, producer, run_id, correlation_id, causation_id, created_at)
VALUES ($1, COALESCE($2::jsonb, '{}'::jsonb), $3, NULLIF($4, ''), $5, $6, $7)
RETURNING "offset";
`

const selectEnvelopeSQL = `
SELECT "offset", type, payload, producer, COALESCE(run_id, ''), correlation_id, causation_id, created_at
FROM events_outbox
`

// PostgresLog is the durable log backend. Appends persist to the
// events_outbox table and fire a NOTIFY for external consumers; in-process
// subscribers are dispatched synchronously with the same guarantees as the
// in-memory backend.
type PostgresLog struct {
	pool   *pgxpool.Pool
	disp   *dispatcher
	logger *zap.Logger

	// appendMu serializes offset assignment so in-process dispatch order
	// matches offset order.
	appendMu sync.Mutex

	// lastDispatched tracks the highest offset delivered in-process, so the
	// notify listener only relays envelopes appended by other processes.
	dispatchedMu   sync.Mutex
	lastDispatched int64
}

// NewPostgresLog creates a log backed by the given pool.
func NewPostgresLog(logger *zap.Logger, pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{
		pool:           pool,
		disp:           newDispatcher(logger),
		logger:         logger,
		lastDispatched: -1,
	}
}

// Append persists the envelope in a transaction, fires the notify channel on
// commit, and dispatches to in-process subscribers.
func (l *PostgresLog) Append(ctx context.Context, env *Envelope) (int64, error) {
	l.appendMu.Lock()

	now := time.Now().UTC()
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		l.appendMu.Unlock()
		return 0, fmt.Errorf("begin append: %w", err)
	}

	var offset int64
	err = tx.QueryRow(ctx, insertEnvelopeSQL,
		env.Type, string(env.Payload), env.Producer, env.RunID,
		env.CorrelationID, env.CausationID, now,
	).Scan(&offset)
	if err == nil {
		// Delivered to LISTENing consumers when the transaction commits.
		_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, fmt.Sprint(offset))
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		l.appendMu.Unlock()
		return 0, fmt.Errorf("append envelope: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		l.appendMu.Unlock()
		return 0, fmt.Errorf("commit append: %w", err)
	}

	env.Offset = offset
	env.Timestamp = now
	stored := *env

	l.dispatchedMu.Lock()
	if offset > l.lastDispatched {
		l.lastDispatched = offset
	}
	l.dispatchedMu.Unlock()

	l.disp.push(stored)
	l.appendMu.Unlock()
	l.disp.drain()
	return offset, nil
}

// ReadFrom returns up to limit envelopes with offset > after.
func (l *PostgresLog) ReadFrom(ctx context.Context, after int64, limit int) ([]Envelope, error) {
	sql := selectEnvelopeSQL + ` WHERE "offset" > $1 ORDER BY "offset" ASC`
	args := []any{after}
	if limit > 0 {
		sql += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("read from %d: %w", after, err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Subscribe registers an in-process handler.
func (l *PostgresLog) Subscribe(filter Filter, h Handler) *Subscription {
	return l.disp.subscribe(filter, h)
}

// Unsubscribe deactivates a subscription.
func (l *PostgresLog) Unsubscribe(sub *Subscription) {
	l.disp.unsubscribe(sub)
}

// Query reads matching envelopes from history.
func (l *PostgresLog) Query(ctx context.Context, q Query) ([]Envelope, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(q.Types) > 0 {
		var exact []string
		var prefixes []string
		for _, t := range q.Types {
			if p, ok := strings.CutSuffix(t, ".*"); ok {
				prefixes = append(prefixes, p+".")
			} else {
				exact = append(exact, t)
			}
		}
		var parts []string
		if len(exact) > 0 {
			parts = append(parts, fmt.Sprintf("type = ANY(%s)", arg(exact)))
		}
		for _, p := range prefixes {
			parts = append(parts, fmt.Sprintf("type LIKE %s", arg(p+"%")))
		}
		conds = append(conds, "("+strings.Join(parts, " OR ")+")")
	}
	if q.RunID != "" {
		conds = append(conds, "run_id = "+arg(q.RunID))
	}
	if q.Since != nil {
		conds = append(conds, "created_at >= "+arg(*q.Since))
	}
	if q.Until != nil {
		conds = append(conds, "created_at <= "+arg(*q.Until))
	}

	sql := selectEnvelopeSQL
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += ` ORDER BY "offset" ASC`
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Listen relays envelopes appended by other processes to local subscribers.
// It blocks until the context is cancelled and is intended to run in its own
// goroutine.
func (l *PostgresLog) Listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	l.logger.Info("listening for cross-process events", zap.String("channel", notifyChannel))

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait notification: %w", err)
		}
		if err := l.relayForeign(ctx); err != nil {
			l.logger.Warn("relay foreign events", zap.Error(err))
		}
	}
}

// relayForeign dispatches envelopes past the last locally dispatched offset.
func (l *PostgresLog) relayForeign(ctx context.Context) error {
	for {
		l.dispatchedMu.Lock()
		after := l.lastDispatched
		l.dispatchedMu.Unlock()

		envs, err := l.ReadFrom(ctx, after, 256)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return nil
		}
		for _, env := range envs {
			l.dispatchedMu.Lock()
			if env.Offset <= l.lastDispatched {
				l.dispatchedMu.Unlock()
				continue
			}
			l.lastDispatched = env.Offset
			l.dispatchedMu.Unlock()
			l.disp.push(env)
		}
		l.disp.drain()
	}
}

func scanEnvelopes(rows pgx.Rows) ([]Envelope, error) {
	var out []Envelope
	for rows.Next() {
		var (
			env     Envelope
			payload []byte
		)
		if err := rows.Scan(&env.Offset, &env.Type, &payload, &env.Producer,
			&env.RunID, &env.CorrelationID, &env.CausationID, &env.Timestamp); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env.Payload = payload
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}

// PostgresOffsetStore persists consumer offsets in the consumer_offsets table.
type PostgresOffsetStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOffsetStore creates an offset store backed by the given pool.
func NewPostgresOffsetStore(pool *pgxpool.Pool) *PostgresOffsetStore {
	return &PostgresOffsetStore{pool: pool}
}

// Get returns the consumer's last committed offset, -1 if unknown.
func (s *PostgresOffsetStore) Get(ctx context.Context, consumerID string) (int64, error) {
	var offset int64
	err := s.pool.QueryRow(ctx,
		"SELECT last_offset FROM consumer_offsets WHERE consumer_id = $1", consumerID,
	).Scan(&offset)
	if err == pgx.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get offset %s: %w", consumerID, err)
	}
	return offset, nil
}

// Commit records the consumer's last processed offset.
func (s *PostgresOffsetStore) Commit(ctx context.Context, consumerID string, offset int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO consumer_offsets (consumer_id, last_offset, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (consumer_id)
DO UPDATE SET last_offset = EXCLUDED.last_offset, updated_at = NOW()`,
		consumerID, offset)
	if err != nil {
		return fmt.Errorf("commit offset %s: %w", consumerID, err)
	}
	return nil
}
