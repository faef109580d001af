package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	e := New(PostPublished, PostPublishedPayload{PostID: "pst_1", Deliveries: 3})
	require.NoError(t, bus.Publish(context.Background(), e))

	got := <-ch
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, PostPublished, got.Type)

	at, ok := bus.LastPublished(PostPublished)
	assert.True(t, ok)
	assert.Equal(t, e.Timestamp, at)

	_, ok = bus.LastPublished(TickCompleted)
	assert.False(t, ok)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, New(TickCompleted, nil)))
	require.NoError(t, bus.Publish(ctx, New(TickCompleted, nil)))
	assert.Equal(t, 1, bus.Dropped())
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, bus.Publish(context.Background(), New(TickCompleted, nil)))
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	bus := NewBus()
	boom := errors.New("broker down")
	m := Multi{bus, failingPublisher{err: boom}}

	err := m.Publish(context.Background(), New(TaskSubmitted, nil))
	assert.ErrorIs(t, err, boom)
	_, ok := bus.LastPublished(TaskSubmitted)
	assert.True(t, ok, "healthy publishers still receive the event")
}

func TestDialRedisRejectsBadURL(t *testing.T) {
	_, err := DialRedis("not a url")
	assert.Error(t, err)

	c, err := DialRedis("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.NoError(t, NewRedisPublisher(c, "letterd").Close())
}
