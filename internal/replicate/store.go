package replicate

import (
	"context"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
)

// LocalStore is the durable half of a replica: the append-only message
// log, the materialized cell view, and the sync bookkeeping. A single
// message's apply-to-view plus append-to-log must be atomic in effect;
// atomicity across messages is not required of implementations except
// where an operation documents it.
type LocalStore interface {
	// Init performs one-time setup.
	Init(ctx context.Context) error

	// ApplyToView updates the cell addressed by the message with the
	// message's value. A failure here is non-fatal to callers; the
	// message stays in the log for later reconciliation.
	ApplyToView(ctx context.Context, m message.Message) error

	// AppendToLog persists the message. A duplicate id is a no-op
	// success.
	AppendToLog(ctx context.Context, m message.Message) error

	// LatestCellTimestamp returns the greatest packed timestamp ever
	// recorded for the cell, or found == false when the cell is empty.
	LatestCellTimestamp(ctx context.Context, table, row, column string) (packed string, found bool, err error)

	// SaveLocalChange is the local-write path: apply-to-view then
	// append-to-log.
	SaveLocalChange(ctx context.Context, m message.Message) error

	// SaveServerMessage appends unconditionally, then applies to the
	// view only when the message's timestamp beats the cell's current
	// one (or the cell is empty).
	SaveServerMessage(ctx context.Context, m message.Message) error

	// SaveServerBatch stores each message as SaveServerMessage does.
	// Only when every message in the batch persisted and at least one
	// carries a server timestamp does the cursor advance to the
	// greatest server timestamp observed; otherwise it is unchanged.
	SaveServerBatch(ctx context.Context, batch []message.Message) error

	// ReadCursor returns the last server timestamp fully absorbed, or
	// found == false before the first server batch.
	ReadCursor(ctx context.Context) (cursor int64, found bool, err error)

	// WriteCursor records the cursor.
	WriteCursor(ctx context.Context, cursor int64) error

	// Unsynced lists every message not yet accepted by the remote log,
	// in insertion order.
	Unsynced(ctx context.Context) ([]message.Message, error)

	// MarkSynced flips the synced flag for each id. Unknown ids are
	// tolerated.
	MarkSynced(ctx context.Context, ids []string) error
}

// RemoteStore is the shared message log all replicas of a user push to
// and pull from. Implementations own transport timeouts.
type RemoteStore interface {
	// FetchSince returns messages with a server timestamp strictly
	// greater than cursor, belonging to userID and originated by a
	// client other than clientID, in server-timestamp order.
	FetchSince(ctx context.Context, cursor int64, userID, clientID string) ([]message.Message, error)

	// SendMessage pushes one message; true means durably accepted.
	SendMessage(ctx context.Context, m message.Message) (bool, error)

	// SendBatch pushes a batch and returns the accepted ids. A message
	// already present remotely counts as accepted.
	SendBatch(ctx context.Context, batch []message.Message) ([]string, error)

	// Subscribe opens a live tail of newly accepted messages, filtered
	// as FetchSince filters, starting after cursor. onBatch receives
	// non-empty batches in server arrival order and must never be
	// invoked synchronously from Subscribe itself.
	Subscribe(ctx context.Context, userID, clientID string, cursor int64, onBatch func([]message.Message)) (Subscription, error)
}

// Subscription is a handle on a live tail.
type Subscription interface {
	// Cancel stops delivery. Safe to call more than once.
	Cancel()
}
