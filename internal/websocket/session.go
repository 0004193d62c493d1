package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"chat-gateway/internal/events"
)

// State is the lifecycle stage of a bridge session.
type State int32

const (
	StateNoUpstream State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoUpstream:
		return "no_upstream"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type eventKind int

const (
	evClientAttached eventKind = iota
	evClientDetached
	evUpstreamOpened
	evUpstreamClosed
	evFrameIn
	evFrameOut
	evTeardown
)

type event struct {
	kind     eventKind
	client   *Client
	upstream *Upstream
	conn     Conn
	frame    Frame
	reason   CloseReason
	err      error
	reply    chan error
}

type waiter struct {
	clientID string
	reply    chan error
}

// Session bridges every client of one user to a single upstream connection.
// All state below the atomics is owned by the run goroutine.
type Session struct {
	userID   string
	registry *Registry
	events   chan event
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	state    atomic.Int32
	nclients atomic.Int32

	clients  map[string]*Client
	waiters  []waiter
	upstream *Upstream

	// sockets closed by this session; safe to read once done is closed
	flushing []<-chan struct{}
}

func newSession(userID string, r *Registry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		userID:   userID,
		registry: r,
		events:   make(chan event),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*Client),
	}
	go s.run()
	return s
}

// UserID returns the user every client of this session belongs to.
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current lifecycle stage; it may change right after the call.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) ClientCount() int {
	return int(s.nclients.Load())
}

// Done is closed when the session actor has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(st State) {
	slog.Debug("Session state changed", "userID", s.userID, "from", s.State(), "state", st)
	s.state.Store(int32(st))
}

// post hands an event to the actor. It fails once the session is closed.
func (s *Session) post(ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// call posts an event and waits for the actor's reply.
func (s *Session) call(ev event) error {
	ev.reply = make(chan error, 1)
	if err := s.post(ev); err != nil {
		return err
	}
	return <-ev.reply
}

func (s *Session) run() {
	defer close(s.done)

	for ev := range s.events {
		s.dispatch(ev)
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bridge session panic", "userID", s.userID, "panic", r, "stack", string(debug.Stack()))
			s.teardown(ReasonInternal, ErrSessionClosed)
			respond(ev.reply, ErrSessionClosed)
		}
	}()

	switch ev.kind {
	case evClientAttached:
		s.handleAttach(ev)
	case evClientDetached:
		s.handleDetach(ev)
	case evUpstreamOpened:
		s.handleUpstreamOpened(ev)
	case evUpstreamClosed:
		s.handleUpstreamClosed(ev)
	case evFrameIn:
		s.handleFrameIn(ev)
	case evFrameOut:
		s.handleFrameOut(ev)
	case evTeardown:
		waitErr := ev.err
		if waitErr == nil {
			waitErr = ErrSessionClosed
		}
		s.teardown(ev.reason, waitErr)
		respond(ev.reply, nil)
	}
}

// respond delivers at most one reply; reply channels are buffered with room for one.
func respond(reply chan error, err error) {
	if reply == nil {
		return
	}
	select {
	case reply <- err:
	default:
	}
}

func (s *Session) handleAttach(ev event) {
	c := ev.client
	if _, ok := s.clients[c.ID()]; !ok {
		s.clients[c.ID()] = c
		s.nclients.Store(int32(len(s.clients)))
		s.registry.indexClient(c.ID(), s)
		s.registry.opts.Metrics.clientAttached()
		s.registry.emit(events.Event{Type: events.ClientAttached, UserID: s.userID, ClientID: c.ID()})
		slog.Info("Client attached", "userID", s.userID, "clientID", c.ID(), "clients", len(s.clients), "state", s.State())
	}

	switch s.State() {
	case StateNoUpstream:
		s.waiters = append(s.waiters, waiter{clientID: c.ID(), reply: ev.reply})
		s.connect()
	case StateConnecting:
		s.waiters = append(s.waiters, waiter{clientID: c.ID(), reply: ev.reply})
	case StateOpen:
		respond(ev.reply, nil)
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// connect starts the single upstream dial of this session off the actor goroutine.
func (s *Session) connect() {
	s.setState(StateConnecting)

	dialer := s.registry.opts.Dialer
	timeout := s.registry.opts.DialTimeout
	ctx, cancel := context.WithTimeout(s.ctx, timeout)

	go func() {
		defer cancel()

		results := make(chan dialResult, 1)
		go func() {
			conn, err := dialer.DialUpstream(ctx, s.userID)
			results <- dialResult{conn: conn, err: err}
		}()

		var res dialResult
		select {
		case res = <-results:
			if res.err == nil && ctx.Err() != nil {
				if res.conn != nil {
					_ = res.conn.Close()
				}
				res = dialResult{err: ctx.Err()}
			}
		case <-ctx.Done():
			res = dialResult{err: ctx.Err()}
			// a dialer that ignores ctx may still hand back a socket
			go func() {
				if late := <-results; late.conn != nil {
					_ = late.conn.Close()
				}
			}()
		}

		if res.err == nil && res.conn == nil {
			res.err = fmt.Errorf("%w: dialer returned no connection", ErrUpstreamUnavailable)
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: dial timed out after %s: %w", ErrUpstreamUnavailable, timeout, context.DeadlineExceeded)
		}
		if err := s.post(event{kind: evUpstreamOpened, conn: res.conn, err: res.err}); err != nil && res.conn != nil {
			_ = res.conn.Close()
		}
	}()
}

func (s *Session) handleUpstreamOpened(ev event) {
	if s.State() != StateConnecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	if ev.err != nil {
		result := "failure"
		if errors.Is(ev.err, context.DeadlineExceeded) {
			result = "timeout"
		}
		s.registry.opts.Metrics.dialed(result)
		slog.Warn("Upstream dial failed", "userID", s.userID, "error", ev.err)
		s.registry.emit(events.Event{Type: events.UpstreamFailed, UserID: s.userID, Code: CloseUpstreamUnavailable, Reason: ev.err.Error()})

		err := ev.err
		if !errors.Is(err, ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		s.teardown(ReasonUpstreamUnavailable, err)
		return
	}

	s.registry.opts.Metrics.dialed("success")
	s.upstream = newUpstream(ev.conn, s.userID, s.registry.opts.Socket)
	s.setState(StateOpen)
	s.upstream.start(s.onUpstreamFrame, s.onUpstreamClosed)

	for _, w := range s.waiters {
		respond(w.reply, nil)
	}
	s.waiters = nil

	s.registry.opts.Metrics.sessionOpened()
	s.registry.emit(events.Event{Type: events.SessionOpened, UserID: s.userID})
	slog.Info("Bridge session opened", "userID", s.userID, "upstreamID", s.upstream.ID(), "clients", len(s.clients))
}

func (s *Session) handleDetach(ev event) {
	c := ev.client
	if _, ok := s.clients[c.ID()]; !ok {
		respond(ev.reply, nil)
		return
	}

	delete(s.clients, c.ID())
	s.nclients.Store(int32(len(s.clients)))
	s.registry.unindexClient(c.ID(), s)
	s.registry.opts.Metrics.clientsDetached(1)
	s.registry.emit(events.Event{Type: events.ClientDetached, UserID: s.userID, ClientID: c.ID(), Code: CloseNormal})
	slog.Info("Client detached", "userID", s.userID, "clientID", c.ID(), "clients", len(s.clients))

	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.clientID == c.ID() {
			respond(w.reply, ErrClientDetached)
			continue
		}
		kept = append(kept, w)
	}
	s.waiters = kept

	if len(s.clients) == 0 {
		s.finish(ReasonNormal)
	}
	respond(ev.reply, nil)
}

func (s *Session) handleFrameIn(ev event) {
	if _, ok := s.clients[ev.client.ID()]; !ok || s.State() != StateOpen {
		s.registry.opts.Metrics.dropped(directionClientToUpstream)
		slog.Debug("Dropping client frame, upstream not open", "userID", s.userID, "clientID", ev.client.ID(), "state", s.State())
		return
	}

	if err := s.upstream.Enqueue(ev.frame); err != nil {
		s.upstreamFailed(err)
		return
	}
	s.registry.opts.Metrics.forwarded(directionClientToUpstream, 1)
}

func (s *Session) handleFrameOut(ev event) {
	if s.State() != StateOpen || (ev.upstream != nil && ev.upstream != s.upstream) {
		s.registry.opts.Metrics.dropped(directionUpstreamToClient)
		return
	}

	delivered := 0
	for _, c := range s.clients {
		if c.Enqueue(ev.frame) {
			delivered++
		}
	}
	s.registry.opts.Metrics.forwarded(directionUpstreamToClient, delivered)
}

func (s *Session) handleUpstreamClosed(ev event) {
	if s.State() != StateOpen || ev.upstream != s.upstream {
		return
	}
	s.upstreamFailed(ev.err)
}

func (s *Session) upstreamFailed(err error) {
	slog.Warn("Upstream connection lost", "userID", s.userID, "clients", len(s.clients), "error", err)
	s.registry.emit(events.Event{Type: events.UpstreamFailed, UserID: s.userID, Code: CloseUpstreamDisconnected, Reason: err.Error()})
	s.teardown(ReasonUpstreamDisconnected, ErrSessionClosed)
}

// teardown force-closes every client with reason, fails pending attaches with waitErr
// and closes the session.
func (s *Session) teardown(reason CloseReason, waitErr error) {
	if s.State() == StateClosed {
		return
	}

	for id, c := range s.clients {
		c.Close(reason)
		s.flushing = append(s.flushing, c.Flushed())
		s.registry.unindexClient(id, s)
		s.registry.emit(events.Event{Type: events.ClientDetached, UserID: s.userID, ClientID: id, Code: reason.Code, Reason: reason.Text})
	}
	s.registry.opts.Metrics.clientsDetached(len(s.clients))
	s.clients = make(map[string]*Client)
	s.nclients.Store(0)

	for _, w := range s.waiters {
		respond(w.reply, waitErr)
	}
	s.waiters = nil

	s.finish(reason)
}

// finish closes the upstream and removes the session from the registry. Closed is terminal.
func (s *Session) finish(reason CloseReason) {
	if s.State() == StateClosed {
		return
	}
	wasOpen := s.State() == StateOpen
	s.cancel()

	if s.upstream != nil {
		s.upstream.Close(upstreamReason(reason))
		s.flushing = append(s.flushing, s.upstream.Flushed())
	}
	s.setState(StateClosed)

	if wasOpen {
		s.registry.opts.Metrics.sessionClosed(reason.Code)
	}
	s.registry.removeSession(s)

	s.registry.emit(events.Event{Type: events.SessionClosed, UserID: s.userID, Code: reason.Code, Reason: reason.Text})
	slog.Info("Bridge session closed", "userID", s.userID, "code", reason.Code, "reason", reason.Text)
}

// waitFlushed blocks until the session has exited and every socket it closed has
// written its close frame, or ctx ends.
func (s *Session) waitFlushed(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, flushed := range s.flushing {
		select {
		case <-flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// upstreamReason maps a client-facing reason to the close frame sent to the backend.
func upstreamReason(reason CloseReason) CloseReason {
	switch reason.Code {
	case CloseShutdown:
		return ReasonShutdown
	case CloseInternalError:
		return ReasonInternal
	default:
		return CloseReason{Code: CloseNormal, Text: "session closed"}
	}
}

func (s *Session) onUpstreamFrame(u *Upstream, f Frame) error {
	return s.post(event{kind: evFrameOut, upstream: u, frame: f})
}

func (s *Session) onUpstreamClosed(u *Upstream, err error) {
	_ = s.post(event{kind: evUpstreamClosed, upstream: u, err: err})
}
