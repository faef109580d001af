package events

import (
	"context"
	"sync"
	"time"
)

// Bus is the in-process publisher. Subscribers get a buffered channel; an
// event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	last    map[string]time.Time
	dropped int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), last: make(map[string]time.Time)}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[e.Type] = e.Timestamp
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
	return nil
}

// Subscribe returns a channel of future events and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// LastPublished returns when an event of typ was last published.
func (b *Bus) LastPublished(typ string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.last[typ]
	return t, ok
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
