package eventlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryLog is the in-memory log backend. It carries the same ordering and
// dispatch guarantees as the durable backend and is the default for tests.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Envelope
	disp    *dispatcher
	logger  *zap.Logger
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog(logger *zap.Logger) *MemoryLog {
	return &MemoryLog{
		disp:   newDispatcher(logger),
		logger: logger,
	}
}

// Append assigns the next offset, stores the envelope and dispatches it.
func (l *MemoryLog) Append(ctx context.Context, env *Envelope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	env.Offset = int64(len(l.entries))
	env.Timestamp = time.Now().UTC()
	l.entries = append(l.entries, *env)
	stored := *env
	// Push while holding the store lock so dispatch order matches offset
	// order across concurrent appends; delivery happens after unlock so
	// handlers may append in turn.
	l.disp.push(stored)
	l.mu.Unlock()
	l.disp.drain()
	return stored.Offset, nil
}

// ReadFrom returns up to limit envelopes with offset > after.
func (l *MemoryLog) ReadFrom(ctx context.Context, after int64, limit int) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	start := after + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(l.entries)) {
		return nil, nil
	}
	end := int64(len(l.entries))
	if limit > 0 && start+int64(limit) < end {
		end = start + int64(limit)
	}
	out := make([]Envelope, end-start)
	copy(out, l.entries[start:end])
	return out, nil
}

// Subscribe registers an in-process handler.
func (l *MemoryLog) Subscribe(filter Filter, h Handler) *Subscription {
	return l.disp.subscribe(filter, h)
}

// Unsubscribe deactivates a subscription.
func (l *MemoryLog) Unsubscribe(sub *Subscription) {
	l.disp.unsubscribe(sub)
}

// Query reads matching envelopes from history.
func (l *MemoryLog) Query(ctx context.Context, q Query) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	filter := Filter{Types: q.Types, RunID: q.RunID}
	var out []Envelope
	for _, env := range l.entries {
		if !filter.Match(env) {
			continue
		}
		if q.Since != nil && env.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && env.Timestamp.After(*q.Until) {
			continue
		}
		out = append(out, env)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored envelopes.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// MemoryOffsetStore is the in-memory consumer offset tracker.
type MemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[string]int64
}

// NewMemoryOffsetStore creates an empty offset store.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{offsets: make(map[string]int64)}
}

// Get returns the consumer's last committed offset, -1 if unknown.
func (s *MemoryOffsetStore) Get(ctx context.Context, consumerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off, ok := s.offsets[consumerID]; ok {
		return off, nil
	}
	return -1, nil
}

// Commit records the consumer's last processed offset.
func (s *MemoryOffsetStore) Commit(ctx context.Context, consumerID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumerID] = offset
	return nil
}
