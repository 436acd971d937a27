package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "relay.service.new"
	opAcceptBatch = "relay.accept_batch"
	opListSince   = "relay.list_since"
	opListDevices = "relay.list_devices"

	reasonMissingDatabase = "missing_database"
	reasonInsertFailed    = "insert_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonDeviceFailed    = "device_upsert_failed"
	reasonQueryFailed     = "query_failed"

	fieldUserID    = "user_id"
	fieldClientID  = "client_id"
	fieldMessageID = "message_id"

	queryUserSince   = "user_id = ? AND server_ts > ? AND client_id <> ?"
	queryUserID      = "user_id = ?"
	queryMessageID   = "message_id = ?"
	orderServerTSAsc = "server_ts ASC"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceError carries an operation.reason code with the underlying
// cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the relay service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the authoritative message log shared by all of a user's
// replicas. Accepting a message assigns its server timestamp; the log
// is append-only and idempotent on message id.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AcceptOutcome captures the stored outcome for one pushed message.
type AcceptOutcome struct {
	messageID       string
	serverTimestamp int64
	duplicate       bool
	accepted        bool
}

// MessageID returns the message identifier.
func (outcome AcceptOutcome) MessageID() string {
	return outcome.messageID
}

// ServerTimestamp returns the log position assigned to the message.
func (outcome AcceptOutcome) ServerTimestamp() int64 {
	return outcome.serverTimestamp
}

// Duplicate reports whether the message was already stored.
func (outcome AcceptOutcome) Duplicate() bool {
	return outcome.duplicate
}

// Accepted reports whether the message is durably in the log.
func (outcome AcceptOutcome) Accepted() bool {
	return outcome.accepted
}

// AcceptResult aggregates the outcomes for one pushed batch. Stored
// holds the newly inserted messages with their assigned timestamps,
// in acceptance order, ready for live-tail broadcast.
type AcceptResult struct {
	Outcomes []AcceptOutcome
	Stored   []message.Message
}

// AcceptedIDs lists the ids durably in the log after this batch.
func (result AcceptResult) AcceptedIDs() []string {
	ids := make([]string, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		if outcome.accepted {
			ids = append(ids, outcome.messageID)
		}
	}
	return ids
}

// AcceptBatch appends messages to the log for the authenticated user.
// Duplicate ids are accepted without reinsertion; messages claiming a
// different user are refused. The pushing device is upserted into the
// device registry.
func (s *Service) AcceptBatch(ctx context.Context, userID string, batch []message.Message) (AcceptResult, error) {
	result := AcceptResult{Outcomes: make([]AcceptOutcome, 0, len(batch))}
	if len(batch) == 0 {
		return result, nil
	}

	devices := make(map[string]struct{})
	transactionError := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range batch {
			if m.UserID != userID {
				s.logger.Warn("relay refused foreign message",
					zap.String("operation", opAcceptBatch),
					zap.String(fieldUserID, userID),
					zap.String(fieldMessageID, m.ID))
				result.Outcomes = append(result.Outcomes, AcceptOutcome{messageID: m.ID})
				continue
			}

			record := recordFromMessage(m)
			createResult := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "message_id"}},
				DoNothing: true,
			}).Create(&record)
			if createResult.Error != nil {
				s.logError(opAcceptBatch, reasonInsertFailed, createResult.Error,
					zap.String(fieldUserID, userID),
					zap.String(fieldMessageID, m.ID))
				return newServiceError(opAcceptBatch, reasonInsertFailed, createResult.Error)
			}

			duplicate := createResult.RowsAffected == 0
			serverTimestamp := record.ServerTimestamp
			if duplicate {
				var existing MessageRecord
				if err := tx.Select("server_ts").
					Where(queryMessageID, m.ID).
					Take(&existing).Error; err != nil {
					s.logError(opAcceptBatch, reasonLookupFailed, err,
						zap.String(fieldMessageID, m.ID))
					return newServiceError(opAcceptBatch, reasonLookupFailed, err)
				}
				serverTimestamp = existing.ServerTimestamp
			} else {
				result.Stored = append(result.Stored, m.WithServerTimestamp(serverTimestamp))
			}

			result.Outcomes = append(result.Outcomes, AcceptOutcome{
				messageID:       m.ID,
				serverTimestamp: serverTimestamp,
				duplicate:       duplicate,
				accepted:        true,
			})
			devices[m.ClientID] = struct{}{}
		}

		seenAt := s.clock().UTC().Unix()
		for clientID := range devices {
			if err := s.upsertDevice(tx, userID, clientID, seenAt); err != nil {
				s.logError(opAcceptBatch, reasonDeviceFailed, err,
					zap.String(fieldUserID, userID),
					zap.String(fieldClientID, clientID))
				return newServiceError(opAcceptBatch, reasonDeviceFailed, err)
			}
		}
		return nil
	})

	if transactionError != nil {
		return AcceptResult{}, transactionError
	}
	return result, nil
}

// ListSince returns the user's messages after the cursor, excluding
// those pushed by the requesting client, in server-timestamp order.
func (s *Service) ListSince(ctx context.Context, userID, excludeClientID string, cursor int64) ([]message.Message, error) {
	var records []MessageRecord
	if err := s.db.WithContext(ctx).
		Where(queryUserSince, userID, cursor, excludeClientID).
		Order(orderServerTSAsc).
		Find(&records).Error; err != nil {
		s.logError(opListSince, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opListSince, reasonQueryFailed, err)
	}
	messages := make([]message.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, messageFromRecord(record))
	}
	return messages, nil
}

// ListDevices returns every device that has pushed for the user.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]DeviceRecord, error) {
	var devices []DeviceRecord
	if err := s.db.WithContext(ctx).
		Where(queryUserID, userID).
		Find(&devices).Error; err != nil {
		s.logError(opListDevices, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opListDevices, reasonQueryFailed, err)
	}
	return devices, nil
}

func (s *Service) upsertDevice(tx *gorm.DB, userID, clientID string, seenAt int64) error {
	device := DeviceRecord{
		UserID:            userID,
		ClientID:          clientID,
		FirstSeenAtSecond: seenAt,
		LastSeenAtSeconds: seenAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "client_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at_s": seenAt}),
	}).Create(&device).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relay service error", attrs...)
}
