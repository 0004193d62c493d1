package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a bridge lifecycle transition.
type Type string

const (
	SessionOpened  Type = "session.opened"
	SessionClosed  Type = "session.closed"
	ClientAttached Type = "client.attached"
	ClientDetached Type = "client.detached"
	UpstreamFailed Type = "upstream.failed"
)

// Event is an audit record of a bridge lifecycle transition.
type Event struct {
	Type     Type      `json:"type"`
	UserID   string    `json:"userId"`
	ClientID string    `json:"clientId,omitempty"`
	Code     int       `json:"code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus fans events out to publishers on a background goroutine.
// Emit never blocks: when the buffer is full the event is dropped and counted.
type Bus struct {
	ch         chan Event
	publishers []Publisher
	timeout    time.Duration

	dropped atomic.Int64
	closed  atomic.Bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewBus(size int, publishers ...Publisher) *Bus {
	if size <= 0 {
		size = 1024
	}
	return &Bus{
		ch:         make(chan Event, size),
		publishers: publishers,
		timeout:    5 * time.Second,
	}
}

func (b *Bus) Start() {
	b.wg.Add(1)
	go b.run()
}

func (b *Bus) run() {
	defer b.wg.Done()
	for e := range b.ch {
		for _, p := range b.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			if err := p.Publish(ctx, e); err != nil {
				slog.Warn("Failed to publish lifecycle event", "type", e.Type, "userID", e.UserID, "error", err)
			}
			cancel()
		}
	}
}

func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}

	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
		slog.Debug("Event buffer full, dropping event", "type", e.Type, "userID", e.UserID)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits for queued ones to drain or ctx to expire.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed.Swap(true) {
		close(b.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogPublisher writes events to slog.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Bridge lifecycle event",
		"type", e.Type, "userID", e.UserID, "clientID", e.ClientID, "code", e.Code, "reason", e.Reason)
	return nil
}
