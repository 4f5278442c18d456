//////////////////////////////////////////////////////////////////////////////
//
// Broadcast camera events from one publisher to multiple subscribers.
//
// Each subscriber has its own channel (i.e. queue). When the camera
// publishes an event, it is added to each subscriber's channel.
//
// Each subscriber specifies the maximum number of events it wishes to
// buffer. Once this capacity is reached, the oldest event is dropped for
// each new one, so a slow subscriber never stalls the device worker.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package dewarp

import (
	"sync"
)

type Subscriber interface {
	Subscribe(n int) <-chan Event
	Unsubscribe(s <-chan Event) error
}

// Broadcaster implements the Subscriber interface.
type Broadcaster struct {
	mutex       sync.Mutex
	subscribers []chan Event
	closed      bool
}

// NewBroadcaster instantiates a new one-to-many event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Close the broadcaster. All subscriber channels are closed and dropped.
// Later publishes are discarded.
func (b *Broadcaster) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subscriber := range b.subscribers {
		close(subscriber)
	}
	b.subscribers = nil
	return nil
}

// Subscribe to events, buffering up to n events for the subscriber.
func (b *Broadcaster) Subscribe(n int) <-chan Event {
	if n < 1 {
		panic("malformed buffer size")
	}

	channel := make(chan Event, n)
	b.mutex.Lock()
	if b.closed {
		close(channel)
	} else {
		b.subscribers = append(b.subscribers, channel)
	}
	b.mutex.Unlock()
	return channel
}

// Unsubscribe from broadcaster by providing the read-only channel returned
// by Subscribe().
func (b *Broadcaster) Unsubscribe(s <-chan Event) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, subscriber := range b.subscribers {
		if s == subscriber {
			// Remove subscriber from slice (order not preserved)
			subs := b.subscribers
			close(subs[i])
			subs[len(subs)-1], subs[i] = subs[i], subs[len(subs)-1]
			b.subscribers = subs[:len(subs)-1]
			return nil
		}
	}
	return errNotFound
}

// Publish an event to every subscriber.
func (b *Broadcaster) Publish(e Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- e:
			// Added event to subscriber
		default:
			// Subscriber backlogged. Drop oldest event, add newest. Only
			// Publish sends, under the lock, so the send cannot block.
			select {
			case <-subscriber:
			default:
			}
			subscriber <- e
		}
	}
}
