package websocket

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/events"
)

const shardCount = 32

const defaultDialTimeout = 10 * time.Second

// EventEmitter receives lifecycle events. Implementations must not block.
type EventEmitter interface {
	Emit(e events.Event)
}

type Options struct {
	Dialer      UpstreamDialer
	DialTimeout time.Duration
	Socket      SocketConfig
	Metrics     *Metrics
	Events      EventEmitter
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

type indexShard struct {
	mu      sync.RWMutex
	clients map[string]*Session
}

// Registry maps users to bridge sessions and clients back to their session.
// Both maps are lock-striped; no lock is held while a session does I/O.
type Registry struct {
	opts     Options
	sessions [shardCount]sessionShard
	index    [shardCount]indexShard
	closing  atomic.Bool
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Sessions     int  `json:"sessions"`
	Clients      int  `json:"clients"`
	Connecting   int  `json:"connecting"`
	Open         int  `json:"open"`
	ShuttingDown bool `json:"shuttingDown"`
}

// NewRegistry returns an empty registry. A zero DialTimeout or SocketConfig falls back to defaults.
func NewRegistry(opts Options) *Registry {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	opts.Socket = opts.Socket.withDefaults()

	r := &Registry{opts: opts}
	for i := range r.sessions {
		r.sessions[i].sessions = make(map[string]*Session)
		r.index[i].clients = make(map[string]*Session)
	}
	return r
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (r *Registry) emit(e events.Event) {
	if r.opts.Events != nil {
		r.opts.Events.Emit(e)
	}
}

// Attach adds client to the session of userID, creating the session when absent.
// It returns once the session's upstream is open, or with the reason it could not open.
func (r *Registry) Attach(ctx context.Context, userID string, client *Client) (*Session, error) {
	if client.UserID() != userID {
		return nil, ErrUserMismatch
	}

	for {
		s, err := r.sessionFor(userID)
		if err != nil {
			return nil, err
		}

		reply := make(chan error, 1)
		if err := s.post(event{kind: evClientAttached, client: client, reply: reply}); err != nil {
			// lost a race with the session closing; the next lookup creates a fresh one
			continue
		}

		select {
		case err := <-reply:
			if err != nil {
				return nil, err
			}
			return s, nil
		case <-ctx.Done():
			_ = s.call(event{kind: evClientDetached, client: client})
			return nil, ctx.Err()
		}
	}
}

// sessionFor returns the live session of userID, replacing a closed one.
func (r *Registry) sessionFor(userID string) (*Session, error) {
	sh := &r.sessions[shardFor(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.sessions[userID]; ok && s.State() != StateClosed {
		return s, nil
	}
	if r.closing.Load() {
		return nil, ErrShuttingDown
	}

	s := newSession(userID, r)
	sh.sessions[userID] = s
	slog.Debug("Bridge session created", "userID", userID)
	return s, nil
}

func (r *Registry) removeSession(s *Session) {
	sh := &r.sessions[shardFor(s.userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.sessions[s.userID] == s {
		delete(sh.sessions, s.userID)
	}
}

// Session returns the current session of userID, or nil.
func (r *Registry) Session(userID string) *Session {
	sh := &r.sessions[shardFor(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sessions[userID]
}

func (r *Registry) indexClient(clientID string, s *Session) {
	sh := &r.index[shardFor(clientID)]
	sh.mu.Lock()
	sh.clients[clientID] = s
	sh.mu.Unlock()
}

func (r *Registry) unindexClient(clientID string, s *Session) {
	sh := &r.index[shardFor(clientID)]
	sh.mu.Lock()
	if sh.clients[clientID] == s {
		delete(sh.clients, clientID)
	}
	sh.mu.Unlock()
}

func (r *Registry) lookup(clientID string) *Session {
	sh := &r.index[shardFor(clientID)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.clients[clientID]
}

// Detach removes client from its session. Unknown or already detached clients are ignored.
// Removing the last client closes the upstream and the session.
func (r *Registry) Detach(client *Client) {
	s := r.lookup(client.ID())
	if s == nil {
		return
	}
	if err := s.call(event{kind: evClientDetached, client: client}); err != nil {
		r.unindexClient(client.ID(), s)
	}
}

// ForwardClientFrame routes a frame read from client to its session's upstream.
func (r *Registry) ForwardClientFrame(client *Client, frame Frame) error {
	s := r.lookup(client.ID())
	if s == nil {
		return ErrSessionNotFound
	}
	return s.post(event{kind: evFrameIn, client: client, frame: frame})
}

// RouteUpstreamMessage fans frame out to every open client of userID.
func (r *Registry) RouteUpstreamMessage(userID string, frame Frame) error {
	s := r.Session(userID)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.post(event{kind: evFrameOut, frame: frame})
}

// TeardownSession closes every client of userID with reason, then the upstream.
func (r *Registry) TeardownSession(userID string, reason CloseReason) error {
	s := r.Session(userID)
	if s == nil {
		return ErrSessionNotFound
	}
	if err := s.call(event{kind: evTeardown, reason: reason}); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}

func (r *Registry) snapshot() []*Session {
	var all []*Session
	for i := range r.sessions {
		sh := &r.sessions[i]
		sh.mu.Lock()
		for _, s := range sh.sessions {
			all = append(all, s)
		}
		sh.mu.Unlock()
	}
	return all
}

// ShuttingDown reports whether Shutdown has been called.
func (r *Registry) ShuttingDown() bool {
	return r.closing.Load()
}

// Stats counts live sessions and their clients. Closed sessions awaiting removal are skipped.
func (r *Registry) Stats() Stats {
	st := Stats{ShuttingDown: r.closing.Load()}
	for _, s := range r.snapshot() {
		switch s.State() {
		case StateClosed:
			continue
		case StateConnecting:
			st.Connecting++
		case StateOpen:
			st.Open++
		}
		st.Sessions++
		st.Clients += s.ClientCount()
	}
	return st
}

// Shutdown refuses new attaches, closes every client with 1001 and waits until each
// session has finished and its close frames are written.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closing.Store(true)

	all := r.snapshot()
	slog.Info("Shutting down bridge sessions", "sessions", len(all))

	for _, s := range all {
		_ = s.post(event{kind: evTeardown, reason: ReasonShutdown, err: ErrShuttingDown})
	}
	for _, s := range all {
		if err := s.waitFlushed(ctx); err != nil {
			return err
		}
	}
	return nil
}
