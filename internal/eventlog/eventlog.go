// Package eventlog provides the durable, totally-ordered event log that every
// Weaver component publishes to and consumes from. The log is the single
// source of truth: all inter-component messages travel as envelopes appended
// here, and subscribers observe them in offset order.
package eventlog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Envelope is the unit stored and dispatched by the log. Envelopes are
// immutable after append; the log assigns Offset and Timestamp.
type Envelope struct {
	Offset        int64           `json:"offset"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Producer      string          `json:"producer,omitempty"`
	RunID         string          `json:"runId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// MarshalPayload encodes v as an envelope payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Handler processes a dispatched envelope. Handler errors are logged and
// isolated; they never fail the append or starve other subscribers.
type Handler func(env Envelope) error

// Filter selects which envelopes a subscription receives. An empty filter
// matches everything. Type entries ending in ".*" match the namespace prefix.
type Filter struct {
	Types []string
	RunID string
}

// Match reports whether the envelope passes the filter.
func (f Filter) Match(env Envelope) bool {
	if f.RunID != "" && env.RunID != f.RunID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if prefix, ok := strings.CutSuffix(t, ".*"); ok {
			if strings.HasPrefix(env.Type, prefix+".") {
				return true
			}
			continue
		}
		if env.Type == t {
			return true
		}
	}
	return false
}

// Query selects envelopes from history.
type Query struct {
	Types []string
	RunID string
	Since *time.Time
	Until *time.Time
	Limit int
}

// Log is the append-only event log contract. Both backends guarantee dense,
// monotonically increasing offsets and in-offset-order dispatch to in-process
// subscribers.
type Log interface {
	// Append assigns the next offset, persists the envelope and dispatches
	// it to matching subscribers before returning. On error the envelope
	// was not published and the caller may retry with the same envelope.
	Append(ctx context.Context, env *Envelope) (int64, error)
	// ReadFrom returns up to limit envelopes with offset > after, ascending.
	ReadFrom(ctx context.Context, after int64, limit int) ([]Envelope, error)
	// Subscribe registers an in-process handler. Dispatch is serialized in
	// offset order; a slow handler backpressures producers.
	Subscribe(filter Filter, h Handler) *Subscription
	// Unsubscribe deactivates a subscription. Idempotent.
	Unsubscribe(sub *Subscription)
	// Query reads matching envelopes from history.
	Query(ctx context.Context, q Query) ([]Envelope, error)
}

// OffsetStore tracks the last successfully processed offset per consumer.
type OffsetStore interface {
	// Get returns the consumer's last committed offset, -1 if unknown.
	Get(ctx context.Context, consumerID string) (int64, error)
	// Commit records the consumer's last processed offset.
	Commit(ctx context.Context, consumerID string, offset int64) error
}

// Subscription is a handle to an active in-process subscription.
type Subscription struct {
	id      int64
	filter  Filter
	handler Handler
	active  atomic.Bool
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// dispatcher delivers envelopes to subscribers in offset order. Delivery is
// re-entrancy safe: a handler may itself append (the Domain Router does), in
// which case the new envelope is queued and drained by the goroutine already
// holding the dispatch token rather than recursing.
type dispatcher struct {
	mu       sync.Mutex
	subs     map[int64]*Subscription
	nextID   int64
	queue    []Envelope
	draining bool
	logger   *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		subs:   make(map[int64]*Subscription),
		logger: logger,
	}
}

func (d *dispatcher) subscribe(filter Filter, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{id: d.nextID, filter: filter, handler: h}
	sub.active.Store(true)
	d.subs[sub.id] = sub
	return sub
}

func (d *dispatcher) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)
	d.mu.Lock()
	delete(d.subs, sub.id)
	d.mu.Unlock()
}

// push queues an envelope for dispatch without delivering it. Callers must
// push in offset order, while still holding whatever lock serialized the
// offset assignment; push itself never invokes handlers.
func (d *dispatcher) push(env Envelope) {
	d.mu.Lock()
	d.queue = append(d.queue, env)
	d.mu.Unlock()
}

// drain delivers queued envelopes in order. The first caller to find the
// queue idle becomes the drainer and delivers everything queued behind it,
// including envelopes appended by handlers it invokes; later callers return
// immediately. Handlers may therefore append without deadlocking.
func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		subs := make([]*Subscription, 0, len(d.subs))
		for _, sub := range d.subs {
			subs = append(subs, sub)
		}
		sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
		d.mu.Unlock()
		d.deliver(next, subs)
		d.mu.Lock()
	}
	d.draining = false
	d.queue = nil
	d.mu.Unlock()
}

func (d *dispatcher) deliver(env Envelope, subs []*Subscription) {
	for _, sub := range subs {
		if !sub.active.Load() || !sub.filter.Match(env) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panic",
						zap.Int64("subscription", sub.id),
						zap.String("type", env.Type),
						zap.Int64("offset", env.Offset),
						zap.Any("panic", r),
					)
				}
			}()
			if err := sub.handler(env); err != nil {
				d.logger.Warn("event handler error",
					zap.Int64("subscription", sub.id),
					zap.String("type", env.Type),
					zap.Int64("offset", env.Offset),
					zap.Error(err),
				)
			}
		}()
	}
}
