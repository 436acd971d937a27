package replicate

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
)

// ChangeSource labels where a batch of changes entered the replica.
type ChangeSource string

const (
	// ChangeSourceLocal marks writes made through this replica.
	ChangeSourceLocal ChangeSource = "local"
	// ChangeSourceServer marks messages absorbed from the remote log.
	ChangeSourceServer ChangeSource = "server"
)

// ChangeEvent is one broadcast on the change stream. Messages is never
// empty.
type ChangeEvent struct {
	Source   ChangeSource
	Messages []message.Message
}

// ChangeDispatcher fans change events out to any number of
// subscribers. Subscribers joining late receive only future events; a
// slow subscriber drops events rather than blocking the publisher.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewChangeDispatcher constructs an empty dispatcher.
func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener. The returned cancel function detaches
// it; cancelling the context does the same.
func (d *ChangeDispatcher) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		stream := make(chan ChangeEvent)
		close(stream)
		return stream, func() {}
	}
	d.nextID++
	subscriber := &changeSubscriber{
		id:     d.nextID,
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	cleanup := func() {
		d.unregister(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every current subscriber. Events with
// no messages are dropped.
func (d *ChangeDispatcher) Publish(event ChangeEvent) {
	if len(event.Messages) == 0 {
		return
	}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Close detaches and closes every subscriber stream. Publish and
// Subscribe become no-ops afterwards.
func (d *ChangeDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, subscriber := range d.subscribers {
		close(subscriber.stream)
		delete(d.subscribers, id)
	}
}

func (d *ChangeDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if subscriber, ok := d.subscribers[subscriberID]; ok {
		delete(d.subscribers, subscriberID)
		close(subscriber.stream)
	}
}
