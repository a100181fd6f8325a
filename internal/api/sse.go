package api

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/eventlog"
)

const replayBatchSize = 500

// Broadcaster streams the event log over SSE. Every client gets a bounded
// channel; a client that cannot keep up is disconnected rather than allowed
// to backpressure the log dispatch.
type Broadcaster struct {
	logger    *zap.Logger
	log       eventlog.Log
	heartbeat time.Duration
	capacity  int
	onClient  func(delta int)

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	clients map[*sseClient]struct{}
}

type sseClient struct {
	ch       chan eventlog.Envelope
	slow     chan struct{}
	slowOnce sync.Once
}

// NewBroadcaster creates an SSE broadcaster over the log. onClient is called
// with +1/-1 on connect and disconnect; it may be nil.
func NewBroadcaster(logger *zap.Logger, log eventlog.Log, heartbeat time.Duration, capacity int, onClient func(delta int)) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Broadcaster{
		logger:    logger,
		log:       log,
		heartbeat: heartbeat,
		capacity:  capacity,
		onClient:  onClient,
		done:      make(chan struct{}),
		clients:   make(map[*sseClient]struct{}),
	}
}

// Close disconnects every client and refuses new connections.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP handles one SSE connection: optional replay from Last-Event-ID,
// then live streaming with heartbeats.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	client := &sseClient{
		ch:   make(chan eventlog.Envelope, b.capacity),
		slow: make(chan struct{}),
	}
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	if b.onClient != nil {
		b.onClient(1)
	}

	filter := eventlog.Filter{RunID: r.URL.Query().Get("run_id")}

	// Subscribe before replaying so nothing appended during the replay is
	// lost; duplicates are dropped by offset below.
	sub := b.log.Subscribe(filter, func(env eventlog.Envelope) error {
		select {
		case client.ch <- env:
		default:
			client.slowOnce.Do(func() { close(client.slow) })
		}
		return nil
	})
	defer func() {
		b.log.Unsubscribe(sub)
		b.mu.Lock()
		delete(b.clients, client)
		b.mu.Unlock()
		if b.onClient != nil {
			b.onClient(-1)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSent := int64(-1)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			lastSent, err = b.replay(r, w, filter, after)
			if err != nil {
				b.logger.Warn("sse replay aborted", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		case <-client.slow:
			b.logger.Warn("disconnecting slow sse client",
				zap.String("remote", r.RemoteAddr),
			)
			return
		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		case env := <-client.ch:
			if env.Offset <= lastSent {
				continue
			}
			writeFrame(w, env)
			lastSent = env.Offset
			flusher.Flush()
		}
	}
}

// replay streams historical envelopes with offset > after and returns the
// last offset written.
func (b *Broadcaster) replay(r *http.Request, w http.ResponseWriter, filter eventlog.Filter, after int64) (int64, error) {
	lastSent := after
	for {
		batch, err := b.log.ReadFrom(r.Context(), lastSent, replayBatchSize)
		if err != nil {
			return lastSent, err
		}
		for _, env := range batch {
			if filter.Match(env) {
				writeFrame(w, env)
			}
			lastSent = env.Offset
		}
		if len(batch) < replayBatchSize {
			return lastSent, nil
		}
	}
}

func writeFrame(w http.ResponseWriter, env eventlog.Envelope) {
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Offset, env.Type, payload)
}
