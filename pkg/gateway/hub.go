package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 256

// Hub fans worker output out to event-stream subscribers. A subscriber that
// falls behind loses lines rather than stalling the worker's reader.
type Hub struct {
	logger  *slog.Logger
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	closed  bool
	dropped atomic.Int64
}

type subscriber struct {
	ch chan string
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// WorkerLine implements orchestrator.OutputSink.
func (h *Hub) WorkerLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- line:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new listener. The returned cancel func must be
// called; the channel is closed by it or by Close.
func (h *Hub) Subscribe() (<-chan string, func()) {
	s := &subscriber{ch: make(chan string, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts lines not delivered to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
	if n := h.dropped.Load(); n > 0 {
		h.logger.Warn("worker output dropped for slow subscribers", slog.Int64("lines", n))
	}
}
