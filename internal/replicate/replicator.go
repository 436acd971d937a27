package replicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/hlc"
	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	"go.uber.org/zap"
)

var (
	// ErrDisposed is returned by every operation on a disposed
	// Replicator.
	ErrDisposed = errors.New("replicate: replicator disposed")
	// ErrInvalidInterval rejects non-positive periodic sync intervals.
	ErrInvalidInterval = errors.New("replicate: sync interval must be positive")

	errMissingUserID     = errors.New("user identifier is required")
	errMissingClientID   = errors.New("client identifier is required")
	errMissingLocalStore = errors.New("local store is required")
	errMissingRemote     = errors.New("remote store is required")

	noOpLogger = zap.NewNop()
)

const (
	opNewReplicator = "replicate.new"
	opSaveChange    = "replicate.save_change"
	opPush          = "replicate.push"
	opPull          = "replicate.pull"
	opLiveTail      = "replicate.live_tail"
	opSetSync       = "replicate.set_sync_enabled"

	reasonUnsyncedQueryFailed = "unsynced_query_failed"
	reasonSendBatchFailed     = "send_batch_failed"
	reasonMarkSyncedFailed    = "mark_synced_failed"
	reasonPartialBatch        = "partial_batch"
	reasonCursorReadFailed    = "cursor_read_failed"
	reasonFetchFailed         = "fetch_failed"
	reasonPersistFailed       = "persist_failed"
	reasonDriftRejected       = "drift_rejected"
	reasonSubscribeFailed     = "subscribe_failed"

	fieldOperation = "operation"
	fieldReason    = "reason"
	fieldClientID  = "client_id"
	fieldMessageID = "message_id"
)

// Change describes one cell write handed to SaveChanges.
type Change struct {
	Table  string
	Row    string
	Column string
	Value  message.Value
}

// ReplicatorConfig wires the collaborators a Replicator needs.
type ReplicatorConfig struct {
	UserID     string
	ClientID   string
	Local      LocalStore
	Remote     RemoteStore
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Sync       SyncConfig
	// MaxDrift bounds how far ahead of the local wall clock a remote
	// timestamp may run before it is skipped. Zero disables the check.
	MaxDrift time.Duration
}

// Replicator orchestrates the replication core for one client: it
// stamps local writes with the hybrid logical clock, persists them,
// pushes them to the remote log in debounced batches, absorbs remote
// messages back into the local view, and broadcasts both directions on
// the change stream.
//
// All mutable state is guarded by one mutex that every public entry
// point acquires, so SaveChange, SaveChanges, RunSync, ForcePush,
// SetSyncEnabled, and Dispose are atomic with respect to each other.
type Replicator struct {
	mu sync.Mutex

	userID     string
	clientID   string
	local      LocalStore
	remote     RemoteStore
	ids        IDProvider
	clock      *hlc.Clock
	logger     *zap.Logger
	syncConfig SyncConfig
	maxDrift   time.Duration

	dispatcher *ChangeDispatcher

	syncEnabled  bool
	disposed     bool
	debounce     *time.Timer
	periodicStop chan struct{}
	subscription Subscription
}

// NewReplicator constructs a Replicator in the disabled state: local
// writes persist but nothing touches the network until sync is enabled.
func NewReplicator(cfg ReplicatorConfig) (*Replicator, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%s: %w", opNewReplicator, errMissingUserID)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%s: %w", opNewReplicator, errMissingClientID)
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("%s: %w", opNewReplicator, errMissingLocalStore)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%s: %w", opNewReplicator, errMissingRemote)
	}

	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	wall := cfg.Clock
	if wall == nil {
		wall = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Replicator{
		userID:     cfg.UserID,
		clientID:   cfg.ClientID,
		local:      cfg.Local,
		remote:     cfg.Remote,
		ids:        ids,
		clock:      hlc.NewClock(cfg.ClientID, wall),
		logger:     logger,
		syncConfig: cfg.Sync.normalized(),
		maxDrift:   cfg.MaxDrift,
		dispatcher: NewChangeDispatcher(),
	}, nil
}

// Changes subscribes to the broadcast change stream. Subscribers see
// only events emitted after they join.
func (r *Replicator) Changes(ctx context.Context) (<-chan ChangeEvent, func()) {
	return r.dispatcher.Subscribe(ctx)
}

// SaveChange encodes one cell write, stamps it, persists it through the
// local store, emits a single local change event, and schedules a push
// when sync is enabled.
func (r *Replicator) SaveChange(ctx context.Context, table, row, column string, value message.Value) error {
	return r.SaveChanges(ctx, []Change{{Table: table, Row: row, Column: column, Value: value}})
}

// SaveChanges persists a batch of cell writes. Each message receives a
// distinct clock timestamp in submission order; exactly one local
// change event carries the whole batch. An empty batch is a no-op.
func (r *Replicator) SaveChanges(ctx context.Context, changes []Change) error {
	pushNow, err := r.saveBatch(ctx, changes)
	if err != nil {
		return err
	}
	if pushNow {
		r.push(ctx)
	}
	return nil
}

func (r *Replicator) saveBatch(ctx context.Context, changes []Change) (pushNow bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return false, ErrDisposed
	}
	if len(changes) == 0 {
		return false, nil
	}

	messages := make([]message.Message, 0, len(changes))
	for _, change := range changes {
		dataType, serialized, encodeErr := message.Encode(change.Value)
		if encodeErr != nil {
			return false, fmt.Errorf("%s: %w", opSaveChange, encodeErr)
		}
		id, idErr := r.ids.NewID()
		if idErr != nil {
			return false, fmt.Errorf("%s: generate id: %w", opSaveChange, idErr)
		}
		stamp := r.clock.Send()
		messages = append(messages, message.Message{
			ID:             id,
			Table:          change.Table,
			Row:            change.Row,
			Column:         change.Column,
			DataType:       dataType,
			Value:          serialized,
			LocalTimestamp: stamp.Pack(),
			UserID:         r.userID,
			ClientID:       r.clientID,
		})
	}

	for _, m := range messages {
		if persistErr := r.local.SaveLocalChange(ctx, m); persistErr != nil {
			return false, fmt.Errorf("%s: persist: %w", opSaveChange, persistErr)
		}
	}

	r.dispatcher.Publish(ChangeEvent{Source: ChangeSourceLocal, Messages: messages})

	if !r.syncEnabled {
		return false, nil
	}
	if r.syncConfig.PushImmediately || r.syncConfig.PushDebounce <= 0 {
		return true, nil
	}
	r.scheduleDebounceLocked()
	return false, nil
}

func (r *Replicator) scheduleDebounceLocked() {
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(r.syncConfig.PushDebounce, func() {
		r.push(context.Background())
	})
}

// RunSync performs one push followed by one pull. Remote failures are
// absorbed and logged so a later sync can retry.
func (r *Replicator) RunSync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.pushLocked(ctx)
	r.pullLocked(ctx)
	return nil
}

// ForcePush cancels any pending debounce and pushes now.
func (r *Replicator) ForcePush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	r.pushLocked(ctx)
	return nil
}

func (r *Replicator) push(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.pushLocked(ctx)
}

// pushLocked drains the unsynced queue in batches, stopping at the
// first batch the remote does not accept in full. The clock is never
// rolled back on failure.
func (r *Replicator) pushLocked(ctx context.Context) {
	pending, err := r.local.Unsynced(ctx)
	if err != nil {
		r.logError(opPush, reasonUnsyncedQueryFailed, err)
		return
	}

	for start := 0; start < len(pending); start += r.syncConfig.BatchSize {
		end := start + r.syncConfig.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		accepted, sendErr := r.remote.SendBatch(ctx, chunk)
		if sendErr != nil {
			r.logError(opPush, reasonSendBatchFailed, sendErr)
			return
		}
		if len(accepted) > 0 {
			if markErr := r.local.MarkSynced(ctx, accepted); markErr != nil {
				r.logError(opPush, reasonMarkSyncedFailed, markErr)
				return
			}
		}
		if len(accepted) < len(chunk) {
			r.logger.Warn("push halted on partial batch",
				zap.String(fieldOperation, opPush),
				zap.String(fieldReason, reasonPartialBatch),
				zap.Int("accepted", len(accepted)),
				zap.Int("batch", len(chunk)))
			return
		}
	}
}

// pullLocked fetches everything after the local cursor and absorbs it.
func (r *Replicator) pullLocked(ctx context.Context) {
	cursor, _, err := r.local.ReadCursor(ctx)
	if err != nil {
		r.logError(opPull, reasonCursorReadFailed, err)
		return
	}
	batch, fetchErr := r.remote.FetchSince(ctx, cursor, r.userID, r.clientID)
	if fetchErr != nil {
		r.logError(opPull, reasonFetchFailed, fetchErr)
		return
	}
	r.absorbLocked(ctx, opPull, batch)
}

// absorbLocked filters a server batch down to foreign messages of this
// user, folds their timestamps into the clock, persists them, and
// emits one server change event when anything landed.
func (r *Replicator) absorbLocked(ctx context.Context, operation string, batch []message.Message) {
	accepted := make([]message.Message, 0, len(batch))
	for _, m := range batch {
		if m.UserID != r.userID || m.ClientID == r.clientID {
			continue
		}
		if stamp, parseErr := hlc.Parse(m.LocalTimestamp); parseErr == nil {
			if _, receiveErr := r.clock.Receive(stamp, r.maxDrift); receiveErr != nil {
				r.logError(operation, reasonDriftRejected, receiveErr,
					zap.String(fieldMessageID, m.ID))
				continue
			}
		}
		accepted = append(accepted, m)
	}
	if len(accepted) == 0 {
		return
	}
	if persistErr := r.local.SaveServerBatch(ctx, accepted); persistErr != nil {
		r.logError(operation, reasonPersistFailed, persistErr)
		return
	}
	r.dispatcher.Publish(ChangeEvent{Source: ChangeSourceServer, Messages: accepted})
}

// SetSyncEnabled toggles network activity. Enabling subscribes to the
// remote live tail and runs one sync immediately; disabling cancels
// the subscription and any pending debounce while local writes keep
// persisting.
func (r *Replicator) SetSyncEnabled(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	if enabled == r.syncEnabled {
		return nil
	}

	if !enabled {
		r.syncEnabled = false
		if r.subscription != nil {
			r.subscription.Cancel()
			r.subscription = nil
		}
		if r.debounce != nil {
			r.debounce.Stop()
			r.debounce = nil
		}
		return nil
	}

	r.syncEnabled = true

	cursor, _, cursorErr := r.local.ReadCursor(ctx)
	if cursorErr != nil {
		r.logError(opSetSync, reasonCursorReadFailed, cursorErr)
		cursor = 0
	}
	subscription, subscribeErr := r.remote.Subscribe(ctx, r.userID, r.clientID, cursor, r.handleTailBatch)
	if subscribeErr != nil {
		// The periodic and debounced paths still sync; the tail can be
		// reattached by toggling sync.
		r.logError(opSetSync, reasonSubscribeFailed, subscribeErr)
	} else {
		r.subscription = subscription
	}

	r.pushLocked(ctx)
	r.pullLocked(ctx)
	return nil
}

// handleTailBatch is the live-tail callback. It is a plain method, not
// a back-pointer held by the subscription: the subscription is a handle
// owned by the Replicator and delivery re-enters through the mutex.
func (r *Replicator) handleTailBatch(batch []message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || !r.syncEnabled {
		return
	}
	r.absorbLocked(context.Background(), opLiveTail, batch)
}

// StartPeriodicSync schedules RunSync at the interval while sync is
// enabled. Calling it again replaces the previous schedule.
func (r *Replicator) StartPeriodicSync(interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if interval <= 0 {
		return ErrInvalidInterval
	}
	r.stopPeriodicLocked()
	stop := make(chan struct{})
	r.periodicStop = stop
	go r.periodicLoop(interval, stop)
	return nil
}

// StopPeriodicSync cancels the periodic schedule.
func (r *Replicator) StopPeriodicSync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.stopPeriodicLocked()
	return nil
}

func (r *Replicator) stopPeriodicLocked() {
	if r.periodicStop != nil {
		close(r.periodicStop)
		r.periodicStop = nil
	}
}

func (r *Replicator) periodicLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.disposed {
				r.mu.Unlock()
				return
			}
			if r.syncEnabled {
				r.pushLocked(context.Background())
				r.pullLocked(context.Background())
			}
			r.mu.Unlock()
		}
	}
}

// Dispose cancels the live tail, the debounce, and the periodic
// schedule, and closes the change stream. It is idempotent; every
// other operation afterwards returns ErrDisposed. Work already in
// flight may still complete.
func (r *Replicator) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.syncEnabled = false
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	r.stopPeriodicLocked()
	if r.subscription != nil {
		r.subscription.Cancel()
		r.subscription = nil
	}
	r.dispatcher.Close()
}

func (r *Replicator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(fieldOperation, operation),
		zap.String(fieldReason, reason),
		zap.String(fieldClientID, r.clientID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("replicator error", attrs...)
}
