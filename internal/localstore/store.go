package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/undertow/internal/hlc"
	"github.com/MarcoPoloResearchLab/undertow/internal/merge"
	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opInit            = "localstore.init"
	opApplyToView     = "localstore.apply_to_view"
	opAppendToLog     = "localstore.append_to_log"
	opLatestTimestamp = "localstore.latest_cell_timestamp"
	opSaveLocal       = "localstore.save_local_change"
	opSaveServer      = "localstore.save_server_message"
	opSaveServerBatch = "localstore.save_server_batch"
	opReadCursor      = "localstore.read_cursor"
	opWriteCursor     = "localstore.write_cursor"
	opUnsynced        = "localstore.unsynced"
	opMarkSynced      = "localstore.mark_synced"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonUpdateFailed    = "update_failed"

	fieldMessageID = "message_id"
	fieldTableID   = "table_id"

	queryCell     = "table_id = ? AND row_id = ? AND column_id = ?"
	queryUnsynced = "has_been_synced = ?"
	orderBySeq    = "seq ASC"

	cursorRowID = 1
)

var errMissingDatabase = errors.New("database handle is required")

// StoreError carries an operation.reason code with the underlying
// cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the SQLite-backed local half of a replica: the message log,
// the cell view, and the sync cursor, kept consistent per message in
// one transaction.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opInit, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Init migrates the schema.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&LogRecord{}, &CellRecord{}, &CursorRecord{}); err != nil {
		s.logError(opInit, reasonQueryFailed, err)
		return newStoreError(opInit, reasonQueryFailed, err)
	}
	return nil
}

// ApplyToView writes the message's value into its cell, inserting or
// replacing the current row.
func (s *Store) ApplyToView(ctx context.Context, m message.Message) error {
	return s.applyToView(s.db.WithContext(ctx), m)
}

func (s *Store) applyToView(tx *gorm.DB, m message.Message) error {
	cell := CellRecord{
		TableID:        m.Table,
		RowID:          m.Row,
		ColumnID:       m.Column,
		DataType:       m.DataType,
		Value:          m.Value,
		LocalTimestamp: m.LocalTimestamp,
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cell).Error; err != nil {
		s.logError(opApplyToView, reasonUpsertFailed, err,
			zap.String(fieldMessageID, m.ID),
			zap.String(fieldTableID, m.Table))
		return newStoreError(opApplyToView, reasonUpsertFailed, err)
	}
	return nil
}

// AppendToLog persists the message; a duplicate id is a no-op success.
func (s *Store) AppendToLog(ctx context.Context, m message.Message) error {
	_, err := s.appendToLog(s.db.WithContext(ctx), m)
	return err
}

func (s *Store) appendToLog(tx *gorm.DB, m message.Message) (inserted bool, err error) {
	record := recordFromMessage(m)
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		s.logError(opAppendToLog, reasonInsertFailed, result.Error,
			zap.String(fieldMessageID, m.ID))
		return false, newStoreError(opAppendToLog, reasonInsertFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// LatestCellTimestamp returns the greatest packed timestamp recorded
// for the cell in the log.
func (s *Store) LatestCellTimestamp(ctx context.Context, table, row, column string) (string, bool, error) {
	return s.latestCellTimestamp(s.db.WithContext(ctx), table, row, column)
}

func (s *Store) latestCellTimestamp(tx *gorm.DB, table, row, column string) (string, bool, error) {
	var stamps []string
	err := tx.Model(&LogRecord{}).
		Where(queryCell, table, row, column).
		Pluck("local_ts", &stamps).Error
	if err != nil {
		s.logError(opLatestTimestamp, reasonQueryFailed, err, zap.String(fieldTableID, table))
		return "", false, newStoreError(opLatestTimestamp, reasonQueryFailed, err)
	}
	if len(stamps) == 0 {
		return "", false, nil
	}
	// Reduced through the clock comparison rather than SQL MAX so that
	// malformed timestamps order below every valid one.
	latest := stamps[0]
	for _, stamp := range stamps[1:] {
		if hlc.ComparePacked(stamp, latest) > 0 {
			latest = stamp
		}
	}
	return latest, true, nil
}

// SaveLocalChange is the local-write path: apply-to-view then
// append-to-log, atomically.
func (s *Store) SaveLocalChange(ctx context.Context, m message.Message) error {
	m.HasBeenApplied = true
	transactionError := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.applyToView(tx, m); err != nil {
			return err
		}
		if _, err := s.appendToLog(tx, m); err != nil {
			return err
		}
		return nil
	})
	if transactionError != nil {
		return newStoreError(opSaveLocal, reasonInsertFailed, transactionError)
	}
	return nil
}

// SaveServerMessage appends the message unconditionally and applies it
// to the view only when it beats the cell's current timestamp.
func (s *Store) SaveServerMessage(ctx context.Context, m message.Message) error {
	transactionError := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.saveServerMessage(tx, m)
	})
	if transactionError != nil {
		return newStoreError(opSaveServer, reasonInsertFailed, transactionError)
	}
	return nil
}

func (s *Store) saveServerMessage(tx *gorm.DB, m message.Message) error {
	current, occupied, err := s.latestCellTimestamp(tx, m.Table, m.Row, m.Column)
	if err != nil {
		return err
	}
	apply := merge.ShouldApply(m.LocalTimestamp, current, occupied)
	m.HasBeenApplied = apply
	m.HasBeenSynced = true
	if _, err := s.appendToLog(tx, m); err != nil {
		return err
	}
	if !apply {
		return nil
	}
	return s.applyToView(tx, m)
}

// SaveServerBatch stores every message in one transaction, then
// advances the cursor to the greatest server timestamp in the batch.
// On any failure the transaction rolls back and the cursor is
// unchanged.
func (s *Store) SaveServerBatch(ctx context.Context, batch []message.Message) error {
	if len(batch) == 0 {
		return nil
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		highest := int64(0)
		seenServerTimestamp := false
		for _, m := range batch {
			if err := s.saveServerMessage(tx, m); err != nil {
				return err
			}
			if m.ServerTimestamp != nil {
				seenServerTimestamp = true
				if *m.ServerTimestamp > highest {
					highest = *m.ServerTimestamp
				}
			}
		}
		if !seenServerTimestamp {
			return nil
		}
		return s.writeCursor(tx, highest)
	})
	if transactionError != nil {
		s.logError(opSaveServerBatch, reasonInsertFailed, transactionError)
		return newStoreError(opSaveServerBatch, reasonInsertFailed, transactionError)
	}
	return nil
}

// ReadCursor returns the last fully absorbed server timestamp.
func (s *Store) ReadCursor(ctx context.Context) (int64, bool, error) {
	var record CursorRecord
	err := s.db.WithContext(ctx).Where("id = ?", cursorRowID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opReadCursor, reasonQueryFailed, err)
		return 0, false, newStoreError(opReadCursor, reasonQueryFailed, err)
	}
	return record.LastServerTimestamp, true, nil
}

// WriteCursor records the cursor.
func (s *Store) WriteCursor(ctx context.Context, cursor int64) error {
	return s.writeCursor(s.db.WithContext(ctx), cursor)
}

func (s *Store) writeCursor(tx *gorm.DB, cursor int64) error {
	record := CursorRecord{ID: cursorRowID, LastServerTimestamp: cursor}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		s.logError(opWriteCursor, reasonUpsertFailed, err)
		return newStoreError(opWriteCursor, reasonUpsertFailed, err)
	}
	return nil
}

// Unsynced lists every message not yet accepted remotely, in insertion
// order.
func (s *Store) Unsynced(ctx context.Context) ([]message.Message, error) {
	var records []LogRecord
	if err := s.db.WithContext(ctx).
		Where(queryUnsynced, false).
		Order(orderBySeq).
		Find(&records).Error; err != nil {
		s.logError(opUnsynced, reasonQueryFailed, err)
		return nil, newStoreError(opUnsynced, reasonQueryFailed, err)
	}
	messages := make([]message.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, messageFromRecord(record))
	}
	return messages, nil
}

// MarkSynced flips the synced flag for each id. Ids unknown to the log
// are ignored.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&LogRecord{}).
		Where("message_id IN ?", ids).
		Update("has_been_synced", true).Error; err != nil {
		s.logError(opMarkSynced, reasonUpdateFailed, err)
		return newStoreError(opMarkSynced, reasonUpdateFailed, err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
