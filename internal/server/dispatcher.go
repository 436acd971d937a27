package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
)

// TailDispatcher fans newly accepted messages out to the live-tail
// streams of a user's other devices. Delivery is best effort: a
// subscriber that cannot keep up drops batches and recovers them on
// its next pull.
type TailDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*tailSubscriber
	nextID      int64
	bufferSize  int
}

type tailSubscriber struct {
	id       int64
	clientID string
	stream   chan []message.Message
}

// NewTailDispatcher constructs an empty dispatcher.
func NewTailDispatcher() *TailDispatcher {
	return &TailDispatcher{
		subscribers: make(map[string]map[int64]*tailSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a device's live tail. Batches published for the
// user arrive on the channel with the device's own messages filtered
// out. Cancelling the context detaches the subscriber.
func (d *TailDispatcher) Subscribe(ctx context.Context, userID, clientID string) (<-chan []message.Message, func()) {
	if userID == "" {
		stream := make(chan []message.Message)
		close(stream)
		return stream, func() {}
	}
	subscriber := &tailSubscriber{
		id:       d.nextSequence(),
		clientID: clientID,
		stream:   make(chan []message.Message, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers a batch of freshly accepted messages to every live
// tail of the user except the one belonging to the originating client.
func (d *TailDispatcher) Publish(userID string, batch []message.Message) {
	if userID == "" || len(batch) == 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[userID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*tailSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		relevant := make([]message.Message, 0, len(batch))
		for _, m := range batch {
			if m.ClientID != subscriber.clientID {
				relevant = append(relevant, m)
			}
		}
		if len(relevant) == 0 {
			continue
		}
		select {
		case subscriber.stream <- relevant:
		default:
		}
	}
}

func (d *TailDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *TailDispatcher) registerSubscriber(userID string, subscriber *tailSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*tailSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *TailDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
