package replicate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/merge"
	"github.com/MarcoPoloResearchLab/undertow/internal/message"
)

// steppingWall is a deterministic wall clock shared by a test and the
// replicator under test.
type steppingWall struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingWall() *steppingWall {
	return &steppingWall{now: time.UnixMilli(1704067200000)}
}

func (w *steppingWall) read() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

func (w *steppingWall) advance(delta time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(delta)
}

// sequenceIDProvider issues deterministic ids for assertions.
type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

// fakeLocalStore keeps the message log, cell view, and cursor in
// memory, applying the same merge decision a durable store would.
type fakeLocalStore struct {
	mu        sync.Mutex
	log       []message.Message
	indexByID map[string]int
	view      map[message.CellKey]message.Message
	cursor    int64
	hasCursor bool
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{
		indexByID: make(map[string]int),
		view:      make(map[message.CellKey]message.Message),
	}
}

func (s *fakeLocalStore) Init(context.Context) error { return nil }

func (s *fakeLocalStore) ApplyToView(_ context.Context, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view[m.Cell()] = m
	return nil
}

func (s *fakeLocalStore) AppendToLog(_ context.Context, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(m)
	return nil
}

func (s *fakeLocalStore) appendLocked(m message.Message) bool {
	if _, seen := s.indexByID[m.ID]; seen {
		return false
	}
	s.indexByID[m.ID] = len(s.log)
	s.log = append(s.log, m)
	return true
}

func (s *fakeLocalStore) LatestCellTimestamp(_ context.Context, table, row, column string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestCellTimestampLocked(message.CellKey{Table: table, Row: row, Column: column})
}

func (s *fakeLocalStore) latestCellTimestampLocked(cell message.CellKey) (string, bool, error) {
	current, occupied := s.view[cell]
	if !occupied {
		return "", false, nil
	}
	return current.LocalTimestamp, true, nil
}

func (s *fakeLocalStore) SaveLocalChange(_ context.Context, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.HasBeenApplied = true
	s.view[m.Cell()] = m
	s.appendLocked(m)
	return nil
}

func (s *fakeLocalStore) SaveServerMessage(_ context.Context, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveServerMessageLocked(m)
}

func (s *fakeLocalStore) saveServerMessageLocked(m message.Message) error {
	current, occupied, _ := s.latestCellTimestampLocked(m.Cell())
	apply := merge.ShouldApply(m.LocalTimestamp, current, occupied)
	m.HasBeenApplied = apply
	m.HasBeenSynced = true
	s.appendLocked(m)
	if apply {
		s.view[m.Cell()] = m
	}
	return nil
}

func (s *fakeLocalStore) SaveServerBatch(_ context.Context, batch []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := int64(0)
	seenServerTimestamp := false
	for _, m := range batch {
		if err := s.saveServerMessageLocked(m); err != nil {
			return err
		}
		if m.ServerTimestamp != nil {
			seenServerTimestamp = true
			if *m.ServerTimestamp > highest {
				highest = *m.ServerTimestamp
			}
		}
	}
	if seenServerTimestamp {
		s.cursor = highest
		s.hasCursor = true
	}
	return nil
}

func (s *fakeLocalStore) ReadCursor(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.hasCursor, nil
}

func (s *fakeLocalStore) WriteCursor(_ context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	s.hasCursor = true
	return nil
}

func (s *fakeLocalStore) Unsynced(context.Context) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]message.Message, 0)
	for _, m := range s.log {
		if !m.HasBeenSynced {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func (s *fakeLocalStore) MarkSynced(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if index, ok := s.indexByID[id]; ok {
			s.log[index].HasBeenSynced = true
		}
	}
	return nil
}

func (s *fakeLocalStore) cellValue(t *testing.T, table, row, column string) (string, bool) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, occupied := s.view[message.CellKey{Table: table, Row: row, Column: column}]
	if !occupied {
		return "", false
	}
	return current.Value, true
}

func (s *fakeLocalStore) logSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

func (s *fakeLocalStore) unsyncedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.log {
		if !m.HasBeenSynced {
			count++
		}
	}
	return count
}

// fakeRemoteStore is a scriptable in-memory remote log. acceptLimits
// caps how many messages of each successive batch are accepted; once
// the script runs out every batch is accepted in full.
type fakeRemoteStore struct {
	mu           sync.Mutex
	nextServerTS int64
	log          []message.Message
	present      map[string]struct{}
	acceptLimits []int
	sendErr      error
	fetchCursors []int64
	subs         []*fakeSubscription
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{present: make(map[string]struct{})}
}

type fakeSubscription struct {
	remote    *fakeRemoteStore
	userID    string
	clientID  string
	onBatch   func([]message.Message)
	cancelled bool
}

func (s *fakeSubscription) Cancel() {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.cancelled = true
}

func (r *fakeRemoteStore) FetchSince(_ context.Context, cursor int64, userID, clientID string) ([]message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCursors = append(r.fetchCursors, cursor)
	matches := make([]message.Message, 0)
	for _, m := range r.log {
		if m.ServerTimestamp == nil || *m.ServerTimestamp <= cursor {
			continue
		}
		if m.UserID != userID || m.ClientID == clientID {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (r *fakeRemoteStore) SendMessage(ctx context.Context, m message.Message) (bool, error) {
	accepted, err := r.SendBatch(ctx, []message.Message{m})
	if err != nil {
		return false, err
	}
	return len(accepted) == 1, nil
}

func (r *fakeRemoteStore) SendBatch(_ context.Context, batch []message.Message) ([]string, error) {
	r.mu.Lock()
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return nil, err
	}
	limit := len(batch)
	if len(r.acceptLimits) > 0 {
		limit = r.acceptLimits[0]
		r.acceptLimits = r.acceptLimits[1:]
		if limit > len(batch) {
			limit = len(batch)
		}
	}
	accepted := make([]string, 0, limit)
	stored := make([]message.Message, 0, limit)
	for _, m := range batch[:limit] {
		if _, seen := r.present[m.ID]; seen {
			accepted = append(accepted, m.ID)
			continue
		}
		r.nextServerTS++
		withTimestamp := m.WithServerTimestamp(r.nextServerTS)
		r.present[m.ID] = struct{}{}
		r.log = append(r.log, withTimestamp)
		accepted = append(accepted, m.ID)
		stored = append(stored, withTimestamp)
	}
	subscribers := make([]*fakeSubscription, len(r.subs))
	copy(subscribers, r.subs)
	r.mu.Unlock()

	for _, sub := range subscribers {
		if sub.cancelled {
			continue
		}
		relevant := make([]message.Message, 0, len(stored))
		for _, m := range stored {
			if m.UserID == sub.userID && m.ClientID != sub.clientID {
				relevant = append(relevant, m)
			}
		}
		if len(relevant) > 0 {
			sub.onBatch(relevant)
		}
	}
	return accepted, nil
}

func (r *fakeRemoteStore) Subscribe(_ context.Context, userID, clientID string, _ int64, onBatch func([]message.Message)) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &fakeSubscription{remote: r, userID: userID, clientID: clientID, onBatch: onBatch}
	r.subs = append(r.subs, sub)
	return sub, nil
}

// emit pushes a batch straight to matching live-tail subscribers, the
// way a server-side broadcast would.
func (r *fakeRemoteStore) emit(batch []message.Message) {
	r.mu.Lock()
	subscribers := make([]*fakeSubscription, len(r.subs))
	copy(subscribers, r.subs)
	r.mu.Unlock()
	for _, sub := range subscribers {
		if !sub.cancelled {
			sub.onBatch(batch)
		}
	}
}

func (r *fakeRemoteStore) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

func (r *fakeRemoteStore) setSendErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *fakeRemoteStore) setAcceptLimits(limits ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptLimits = limits
}

type replicatorFixture struct {
	replicator *Replicator
	local      *fakeLocalStore
	remote     *fakeRemoteStore
	wall       *steppingWall
}

func newReplicatorFixture(t *testing.T, clientID string, syncConfig SyncConfig, remote *fakeRemoteStore) *replicatorFixture {
	t.Helper()
	if remote == nil {
		remote = newFakeRemoteStore()
	}
	local := newFakeLocalStore()
	wall := newSteppingWall()
	replicator, err := NewReplicator(ReplicatorConfig{
		UserID:     "u1",
		ClientID:   clientID,
		Local:      local,
		Remote:     remote,
		IDProvider: &sequenceIDProvider{prefix: clientID},
		Clock:      wall.read,
		Sync:       syncConfig,
	})
	if err != nil {
		t.Fatalf("failed to construct replicator: %v", err)
	}
	t.Cleanup(replicator.Dispose)
	return &replicatorFixture{replicator: replicator, local: local, remote: remote, wall: wall}
}

func collectEvent(t *testing.T, stream <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case event, ok := <-stream:
		if !ok {
			t.Fatalf("change stream closed while waiting for event")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change event")
	}
	return ChangeEvent{}
}

func expectNoEvent(t *testing.T, stream <-chan ChangeEvent) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("unexpected change event: %#v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
