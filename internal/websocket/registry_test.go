package websocket

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetachUnknownClientIsNoop(t *testing.T) {
	g := createTestGateway(t, &fakeDialer{})
	r := g.Registry()

	ghost := NewClient(newMockConn(), "ghost", SocketConfig{})
	assert.NotPanics(t, func() {
		r.Detach(ghost)
		r.Detach(ghost)
	})
	assert.Equal(t, Stats{}, r.Stats())
}

func TestDetachIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	c1, _ := connectClient(t, g, "u1")
	connectClient(t, g, "u1")

	r.Detach(c1)
	r.Detach(c1)
	assert.Equal(t, 1, r.Session("u1").ClientCount())
	assert.Nil(t, r.lookup(c1.ID()))
	assert.False(t, dialer.upstream(0).isClosed())
}

func TestAttachRejectsForeignClient(t *testing.T) {
	r := createTestGateway(t, &fakeDialer{}).Registry()

	client := NewClient(newMockConn(), "u1", SocketConfig{})
	_, err := r.Attach(context.Background(), "u2", client)
	assert.ErrorIs(t, err, ErrUserMismatch)
	assert.Nil(t, r.Session("u2"))
}

func TestRouteUpstreamMessage(t *testing.T) {
	g := createTestGateway(t, &fakeDialer{})
	r := g.Registry()

	_, c1 := connectClient(t, g, "u1")
	_, c2 := connectClient(t, g, "u1")
	_, other := connectClient(t, g, "u2")

	require.NoError(t, r.RouteUpstreamMessage("u1", TextFrame([]byte("broadcast"))))
	for _, conn := range []*mockConn{c1, c2} {
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"broadcast"}, conn.getMessages())
		}, waitFor, tick)
	}
	assert.Empty(t, other.getMessages())

	assert.ErrorIs(t, r.RouteUpstreamMessage("nobody", TextFrame(nil)), ErrSessionNotFound)
}

func TestTeardownSession(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	c1, conn1 := connectClient(t, g, "u1")
	_, conn2 := connectClient(t, g, "u1")

	reason := CloseReason{Code: 4010, Text: "account suspended"}
	require.NoError(t, r.TeardownSession("u1", reason))

	assertClosedWith(t, conn1, reason)
	assertClosedWith(t, conn2, reason)
	assert.Nil(t, r.Session("u1"))
	assert.Nil(t, r.lookup(c1.ID()))
	assert.Eventually(t, dialer.upstream(0).isClosed, waitFor, tick)

	assert.ErrorIs(t, r.TeardownSession("u1", reason), ErrSessionNotFound)
}

func TestShutdownClosesEverything(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	_, c1 := connectClient(t, g, "u1")
	_, c2 := connectClient(t, g, "u2")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	for _, conn := range []*mockConn{c1, c2, dialer.upstream(0), dialer.upstream(1)} {
		got, ok := conn.closeFrame()
		assert.True(t, ok, "close frame written before Shutdown returned")
		assert.Equal(t, ReasonShutdown, got)
		assert.True(t, conn.isClosed())
	}
	assert.True(t, r.Stats().ShuttingDown)
	assert.Zero(t, r.Stats().Sessions)

	conn := newMockConn()
	_, err := g.OnConnect(context.Background(), conn, "u3")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assertClosedWith(t, conn, ReasonShutdown)
	assert.Equal(t, 2, dialer.calls())
}

func TestShutdownWaitsForSlowCloseFrames(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	_, conn := connectClient(t, g, "u1")
	conn.slowControl(50 * time.Millisecond)
	dialer.upstream(0).slowControl(50 * time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))

	got, ok := conn.closeFrame()
	require.True(t, ok)
	assert.Equal(t, ReasonShutdown, got)
	got, ok = dialer.upstream(0).closeFrame()
	require.True(t, ok)
	assert.Equal(t, ReasonShutdown, got)
}

func TestShutdownHonoursContext(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	_, conn := connectClient(t, g, "u1")
	conn.slowControl(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
}

func TestShutdownReleasesPendingAttach(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.hold()
	g := createTestGateway(t, dialer)
	r := g.Registry()

	conn := newMockConn()
	connected := make(chan error, 1)
	go func() {
		_, err := g.OnConnect(context.Background(), conn, "u1")
		connected <- err
	}()
	assert.Eventually(t, func() bool { return r.Stats().Connecting == 1 }, waitFor, tick)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, <-connected, ErrShuttingDown)
	assertClosedWith(t, conn, ReasonShutdown)
}

func TestUsersProgressIndependently(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)

	dialer := DialerFunc(func(ctx context.Context, userID string) (Conn, error) {
		if userID == "stuck" {
			select {
			case <-blocked:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return newMockConn(), nil
	})
	g := createTestGateway(t, dialer)
	r := g.Registry()

	go func() { _, _ = g.OnConnect(context.Background(), newMockConn(), "stuck") }()
	assert.Eventually(t, func() bool {
		s := r.Session("stuck")
		return s != nil && s.State() == StateConnecting
	}, waitFor, tick)

	done := make(chan error, 1)
	go func() {
		_, err := g.OnConnect(context.Background(), newMockConn(), "free")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("connect for an unrelated user blocked behind a pending dial")
	}
	assert.Equal(t, StateOpen, r.Session("free").State())
	assert.Equal(t, StateConnecting, r.Session("stuck").State())
}

func TestStats(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	connectClient(t, g, "u1")
	connectClient(t, g, "u1")
	connectClient(t, g, "u2")

	assert.Equal(t, Stats{Sessions: 2, Clients: 3, Open: 2}, r.Stats())
}

func TestRandomInterleavingsLeaveNoState(t *testing.T) {
	dialer := &fakeDialer{}
	g := createTestGateway(t, dialer)
	r := g.Registry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", i%5)
			conn := newMockConn()
			if _, err := g.OnConnect(context.Background(), conn, userID); err != nil {
				// the session was torn down under us; that client is already closed
				return
			}
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			conn.send("hello")
			if i%7 == 0 {
				_ = r.TeardownSession(userID, ReasonInternal)
			}
			conn.hangup()
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return r.Stats() == Stats{} }, waitFor, tick)
	for i := 0; i < shardCount; i++ {
		r.index[i].mu.RLock()
		assert.Empty(t, r.index[i].clients)
		r.index[i].mu.RUnlock()
	}
}

func TestShardForIsStable(t *testing.T) {
	assert.Equal(t, shardFor("user-1"), shardFor("user-1"))
	assert.Less(t, shardFor("user-1"), uint32(shardCount))
}
