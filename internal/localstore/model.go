package localstore

import "github.com/MarcoPoloResearchLab/undertow/internal/message"

// LogRecord is one row of the append-only replication log. Seq
// preserves insertion order; MessageID carries the global identity.
type LogRecord struct {
	Seq             int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	MessageID       string `gorm:"column:message_id;uniqueIndex;size:190;not null"`
	TableID         string `gorm:"column:table_id;not null;index:idx_log_cell,priority:1"`
	RowID           string `gorm:"column:row_id;not null;index:idx_log_cell,priority:2"`
	ColumnID        string `gorm:"column:column_id;not null;index:idx_log_cell,priority:3"`
	DataType        string `gorm:"column:data_type;not null"`
	Value           string `gorm:"column:value;type:text;not null"`
	ServerTimestamp *int64 `gorm:"column:server_ts;index"`
	LocalTimestamp  string `gorm:"column:local_ts;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	ClientID        string `gorm:"column:client_id;size:190;not null"`
	HasBeenApplied  bool   `gorm:"column:has_been_applied;not null;default:false"`
	HasBeenSynced   bool   `gorm:"column:has_been_synced;not null;default:false;index"`
}

// TableName provides the explicit table binding for GORM.
func (LogRecord) TableName() string {
	return "replication_log"
}

// CellRecord is the materialized current value of one cell.
type CellRecord struct {
	TableID        string `gorm:"column:table_id;primaryKey;size:190"`
	RowID          string `gorm:"column:row_id;primaryKey;size:190"`
	ColumnID       string `gorm:"column:column_id;primaryKey;size:190"`
	DataType       string `gorm:"column:data_type;not null"`
	Value          string `gorm:"column:value;type:text;not null"`
	LocalTimestamp string `gorm:"column:local_ts;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CellRecord) TableName() string {
	return "cell_view"
}

// CursorRecord is the single-row bookmark of the last server timestamp
// fully absorbed from the remote log.
type CursorRecord struct {
	ID                  int64 `gorm:"column:id;primaryKey"`
	LastServerTimestamp int64 `gorm:"column:last_server_ts;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CursorRecord) TableName() string {
	return "sync_cursor"
}

func recordFromMessage(m message.Message) LogRecord {
	return LogRecord{
		MessageID:       m.ID,
		TableID:         m.Table,
		RowID:           m.Row,
		ColumnID:        m.Column,
		DataType:        m.DataType,
		Value:           m.Value,
		ServerTimestamp: m.ServerTimestamp,
		LocalTimestamp:  m.LocalTimestamp,
		UserID:          m.UserID,
		ClientID:        m.ClientID,
		HasBeenApplied:  m.HasBeenApplied,
		HasBeenSynced:   m.HasBeenSynced,
	}
}

func messageFromRecord(record LogRecord) message.Message {
	return message.Message{
		ID:              record.MessageID,
		Table:           record.TableID,
		Row:             record.RowID,
		Column:          record.ColumnID,
		DataType:        record.DataType,
		Value:           record.Value,
		ServerTimestamp: record.ServerTimestamp,
		LocalTimestamp:  record.LocalTimestamp,
		UserID:          record.UserID,
		ClientID:        record.ClientID,
		HasBeenApplied:  record.HasBeenApplied,
		HasBeenSynced:   record.HasBeenSynced,
	}
}
