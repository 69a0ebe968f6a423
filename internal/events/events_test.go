package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Swarm/internal/config"
	"OpenMCP-Swarm/pkg/logger"
)

type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (p *blockingPublisher) Publish(ctx context.Context, event Event) error {
	<-p.release
	p.mu.Lock()
	p.got = append(p.got, event)
	p.mu.Unlock()
	return nil
}

func (p *blockingPublisher) events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.got...)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, Event) error {
	p.calls++
	return errors.New("broker down")
}

func TestAsyncDropsWhenFullWithoutBlocking(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	async := NewAsync(pub, 2, WithAsyncLogger(logger.Discard()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			async.Emit(context.Background(), Event{Type: LogAppended, Sequence: uint64(i + 1)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a stalled publisher")
	}
	assert.GreaterOrEqual(t, async.Dropped(), uint64(7))

	close(pub.release)
	require.NoError(t, async.Close())
	delivered := pub.events()
	assert.Equal(t, uint64(10), uint64(len(delivered))+async.Dropped())
	for i := 1; i < len(delivered); i++ {
		assert.Less(t, delivered[i-1].Sequence, delivered[i].Sequence)
	}
}

func TestAsyncSurvivesPublisherErrors(t *testing.T) {
	pub := &failingPublisher{}
	async := NewAsync(pub, 4, WithAsyncLogger(logger.Discard()))
	async.Emit(context.Background(), Event{Type: ExecutionCreated})
	async.Emit(context.Background(), Event{Type: ExecutionStatusChanged})
	require.NoError(t, async.Close())
	assert.Equal(t, 2, pub.calls)

	async.Emit(context.Background(), Event{Type: LogAppended})
	assert.Equal(t, uint64(1), async.Dropped())
	require.NoError(t, async.Close())
}

func TestFanoutAndCollector(t *testing.T) {
	var a, b Collector
	sink := Fanout{&a, nil, &b, Nop{}}
	sink.Emit(context.Background(), Event{Type: AgentStatusChanged, Role: "writer"})
	sink.Emit(context.Background(), Event{Type: LogAppended})

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.OfType(AgentStatusChanged), 1)
	assert.Equal(t, "writer", b.OfType(AgentStatusChanged)[0].Role)
}

func TestWatermillRoundTrip(t *testing.T) {
	bus, err := Open(config.EventsConfig{Driver: "watermill", Buffer: 8, Topic: "test.events"}, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, bus.Subscriber)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := Subscribe(ctx, bus.Subscriber, bus.Topic)
	require.NoError(t, err)

	bus.Sink.Emit(ctx, Event{ID: "ev-1", Type: ToolStatusChanged, ThreadID: "t1", ApprovalID: "ap-1", Status: "executed"})

	select {
	case ev := <-stream:
		assert.Equal(t, "ev-1", ev.ID)
		assert.Equal(t, ToolStatusChanged, ev.Type)
		assert.Equal(t, "ap-1", ev.ApprovalID)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
	cancel()
	require.NoError(t, bus.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.EventsConfig{Driver: "kafka"}, logger.Discard())
	require.Error(t, err)

	bus, err := Open(config.EventsConfig{Driver: "none"}, logger.Discard())
	require.NoError(t, err)
	bus.Sink.Emit(context.Background(), Event{})
	require.NoError(t, bus.Close())
}
