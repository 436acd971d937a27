package remotestore

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	"github.com/MarcoPoloResearchLab/undertow/internal/replicate"
)

// Memory is an in-process remote message log for embedded
// single-process deployments: several replicators pointed at one
// Memory converge exactly as they would through the relay.
type Memory struct {
	mu           sync.Mutex
	nextServerTS int64
	log          []message.Message
	present      map[string]struct{}
	subs         map[int64]*memorySubscription
	nextSubID    int64
}

type memorySubscription struct {
	store     *Memory
	id        int64
	userID    string
	clientID  string
	onBatch   func([]message.Message)
	cancelled bool
}

// NewMemory returns an empty in-memory remote log.
func NewMemory() *Memory {
	return &Memory{
		present: make(map[string]struct{}),
		subs:    make(map[int64]*memorySubscription),
	}
}

// FetchSince returns the user's messages after the cursor, excluding
// the requesting client's own, in acceptance order.
func (s *Memory) FetchSince(_ context.Context, cursor int64, userID, clientID string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSinceLocked(cursor, userID, clientID), nil
}

func (s *Memory) listSinceLocked(cursor int64, userID, clientID string) []message.Message {
	matches := make([]message.Message, 0)
	for _, m := range s.log {
		if m.ServerTimestamp == nil || *m.ServerTimestamp <= cursor {
			continue
		}
		if m.UserID != userID || m.ClientID == clientID {
			continue
		}
		matches = append(matches, m)
	}
	return matches
}

// SendMessage pushes a single message.
func (s *Memory) SendMessage(ctx context.Context, m message.Message) (bool, error) {
	accepted, err := s.SendBatch(ctx, []message.Message{m})
	if err != nil {
		return false, err
	}
	return len(accepted) == 1, nil
}

// SendBatch appends new messages, assigning monotonically increasing
// server timestamps, and notifies live subscribers of other clients.
// Duplicate ids count as accepted without reinsertion.
func (s *Memory) SendBatch(_ context.Context, batch []message.Message) ([]string, error) {
	s.mu.Lock()
	accepted := make([]string, 0, len(batch))
	stored := make([]message.Message, 0, len(batch))
	for _, m := range batch {
		if _, seen := s.present[m.ID]; seen {
			accepted = append(accepted, m.ID)
			continue
		}
		s.nextServerTS++
		withTimestamp := m.WithServerTimestamp(s.nextServerTS)
		s.present[m.ID] = struct{}{}
		s.log = append(s.log, withTimestamp)
		accepted = append(accepted, m.ID)
		stored = append(stored, withTimestamp)
	}
	subscribers := make([]*memorySubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subscribers = append(subscribers, sub)
	}
	s.mu.Unlock()

	// Delivered off the caller's goroutine so a pushing replicator can
	// never deadlock against a replica absorbing the same batch.
	for _, sub := range subscribers {
		go sub.deliver(stored)
	}
	return accepted, nil
}

// Subscribe opens a live tail: the backlog after the cursor, then each
// newly accepted batch. The backlog and every later batch are handed to
// onBatch on separate goroutines, so the order in which they reach
// onBatch is not guaranteed; a batch accepted right after Subscribe can
// arrive before the backlog.
func (s *Memory) Subscribe(_ context.Context, userID, clientID string, cursor int64, onBatch func([]message.Message)) (replicate.Subscription, error) {
	s.mu.Lock()
	s.nextSubID++
	sub := &memorySubscription{
		store:    s,
		id:       s.nextSubID,
		userID:   userID,
		clientID: clientID,
		onBatch:  onBatch,
	}
	s.subs[sub.id] = sub
	backlog := s.listSinceLocked(cursor, userID, clientID)
	s.mu.Unlock()

	if len(backlog) > 0 {
		go sub.deliver(backlog)
	}
	return sub, nil
}

func (sub *memorySubscription) deliver(batch []message.Message) {
	sub.store.mu.Lock()
	if sub.cancelled {
		sub.store.mu.Unlock()
		return
	}
	sub.store.mu.Unlock()

	relevant := make([]message.Message, 0, len(batch))
	for _, m := range batch {
		if m.UserID == sub.userID && m.ClientID != sub.clientID {
			relevant = append(relevant, m)
		}
	}
	if len(relevant) > 0 {
		sub.onBatch(relevant)
	}
}

// Cancel detaches the subscription.
func (sub *memorySubscription) Cancel() {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	sub.cancelled = true
	delete(sub.store.subs, sub.id)
}

// Messages snapshots the full log in acceptance order.
func (s *Memory) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]message.Message, len(s.log))
	copy(snapshot, s.log)
	return snapshot
}
