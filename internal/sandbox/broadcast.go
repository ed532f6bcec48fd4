package sandbox

import (
	"context"
	"sync"
)

const defaultWatchBuffer = 100

// Broadcaster fans StateEvents out to Watch subscribers. Sends never block;
// a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan StateEvent
	nextID int
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	return &Broadcaster{subs: make(map[int]chan StateEvent), buffer: buffer}
}

// Subscribe registers a subscriber that first receives initial, then every
// published event, until ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context, initial []StateEvent) <-chan StateEvent {
	ch := make(chan StateEvent, len(initial)+b.buffer)
	for _, ev := range initial {
		ch <- ev
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Broadcaster) Publish(ev StateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// EventsFor converts a snapshot into the initial events of a Watch.
func EventsFor(sandboxes []*Sandbox) []StateEvent {
	out := make([]StateEvent, 0, len(sandboxes))
	for _, sb := range sandboxes {
		ts := sb.CreatedAt
		if sb.StoppedAt != nil {
			ts = *sb.StoppedAt
		} else if sb.StartedAt != nil {
			ts = *sb.StartedAt
		}
		out = append(out, StateEvent{SessionID: sb.SessionID, Status: sb.Status, Timestamp: ts, Error: sb.Error})
	}
	return out
}
