package daemon

import (
	"context"
	"sync"

	"github.com/bdobrica/slb/internal/slb/notify"
)

// item is one queued event plus the lag marker set when older events were
// dropped before it.
type item struct {
	evt    notify.Event
	lagged bool
}

// subscriber is one attached event consumer with a bounded queue.
type subscriber struct {
	ch chan item
}

// Bus fans events out to subscribers.  Queues are bounded; when a slow
// subscriber falls behind, the oldest queued event is dropped and the next
// delivered event carries the lag marker.  Publishing never blocks.
type Bus struct {
	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	queueSize int
}

// NewBus returns a Bus with the given per-subscriber queue size.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{subs: make(map[*subscriber]struct{}), queueSize: queueSize}
}

// Notify implements notify.Notifier.
func (b *Bus) Notify(_ context.Context, evt notify.Event) {
	b.Publish(evt)
}

// Publish queues evt for every subscriber.
func (b *Bus) Publish(evt notify.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		it := item{evt: evt}
		for {
			select {
			case sub.ch <- it:
			default:
				// Full queue: drop the oldest and mark the new item.
				select {
				case <-sub.ch:
				default:
				}
				it.lagged = true
				continue
			}
			break
		}
	}
}

// Subscribe attaches a consumer and returns its queue plus a detach func.
func (b *Bus) Subscribe() (<-chan item, func()) {
	sub := &subscriber{ch: make(chan item, b.queueSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
