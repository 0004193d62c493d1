package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

type fakeRedis struct {
	channel string
	payload []byte
}

func (f *fakeRedis) PublishEvent(_ context.Context, channel string, payload []byte) error {
	f.channel = channel
	f.payload = payload
	return nil
}

func TestBusDeliversInOrderToAllPublishers(t *testing.T) {
	first := &recordingPublisher{}
	second := &recordingPublisher{err: errors.New("sink down")}
	bus := NewBus(16, first, second)
	bus.Start()

	bus.Emit(Event{Type: SessionOpened, UserID: "u1"})
	bus.Emit(Event{Type: ClientAttached, UserID: "u1", ClientID: "c1"})
	bus.Emit(Event{Type: SessionClosed, UserID: "u1", Code: 1000})

	require.NoError(t, bus.Close(context.Background()))

	for _, p := range []*recordingPublisher{first, second} {
		got := p.snapshot()
		require.Len(t, got, 3)
		assert.Equal(t, SessionOpened, got[0].Type)
		assert.Equal(t, ClientAttached, got[1].Type)
		assert.Equal(t, SessionClosed, got[2].Type)
		assert.False(t, got[0].At.IsZero())
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	slow := &recordingPublisher{block: make(chan struct{})}
	bus := NewBus(1, slow)
	bus.Start()

	// first event is taken by the worker and blocks, second fills the buffer
	bus.Emit(Event{Type: SessionOpened, UserID: "u1"})
	require.Eventually(t, func() bool { return len(bus.ch) == 0 }, time.Second, 5*time.Millisecond)
	bus.Emit(Event{Type: ClientAttached, UserID: "u1"})
	bus.Emit(Event{Type: ClientDetached, UserID: "u1"})

	assert.Equal(t, int64(1), bus.Dropped())

	close(slow.block)
	require.NoError(t, bus.Close(context.Background()))
	assert.Len(t, slow.snapshot(), 2)
}

func TestBusEmitAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Start()
	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, bus.Close(context.Background()))

	assert.NotPanics(t, func() { bus.Emit(Event{Type: SessionOpened}) })

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Emit(Event{Type: SessionOpened}) })
}

func TestRedisPublisher(t *testing.T) {
	redis := &fakeRedis{}
	p := NewRedisPublisher(redis, "gateway:events")

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), Event{
		Type: UpstreamFailed, UserID: "u1", Code: 4003, Reason: "upstream unavailable", At: at,
	}))

	assert.Equal(t, "gateway:events", redis.channel)
	var decoded Event
	require.NoError(t, json.Unmarshal(redis.payload, &decoded))
	assert.Equal(t, UpstreamFailed, decoded.Type)
	assert.Equal(t, 4003, decoded.Code)
	assert.True(t, at.Equal(decoded.At))
}
