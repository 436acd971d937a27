package relay

import "github.com/MarcoPoloResearchLab/undertow/internal/message"

// MessageRecord is one row of the remote message log. The
// autoincrement primary key doubles as the server timestamp clients
// use as their pull cursor, so it is monotonically increasing in
// acceptance order.
type MessageRecord struct {
	ServerTimestamp int64  `gorm:"column:server_ts;primaryKey;autoIncrement"`
	MessageID       string `gorm:"column:message_id;uniqueIndex;size:190;not null"`
	TableID         string `gorm:"column:table_id;not null"`
	RowID           string `gorm:"column:row_id;not null"`
	ColumnID        string `gorm:"column:column_id;not null"`
	DataType        string `gorm:"column:data_type;not null"`
	Value           string `gorm:"column:value;type:text;not null"`
	LocalTimestamp  string `gorm:"column:local_ts;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_relay_user_ts,priority:1"`
	ClientID        string `gorm:"column:client_id;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "relay_messages"
}

// DeviceRecord tracks each client device that has pushed for a user.
type DeviceRecord struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ClientID          string `gorm:"column:client_id;primaryKey;size:190;not null"`
	FirstSeenAtSecond int64  `gorm:"column:first_seen_at_s;not null"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceRecord) TableName() string {
	return "relay_devices"
}

func recordFromMessage(m message.Message) MessageRecord {
	return MessageRecord{
		MessageID:      m.ID,
		TableID:        m.Table,
		RowID:          m.Row,
		ColumnID:       m.Column,
		DataType:       m.DataType,
		Value:          m.Value,
		LocalTimestamp: m.LocalTimestamp,
		UserID:         m.UserID,
		ClientID:       m.ClientID,
	}
}

func messageFromRecord(record MessageRecord) message.Message {
	serverTimestamp := record.ServerTimestamp
	return message.Message{
		ID:              record.MessageID,
		Table:           record.TableID,
		Row:             record.RowID,
		Column:          record.ColumnID,
		DataType:        record.DataType,
		Value:           record.Value,
		ServerTimestamp: &serverTimestamp,
		LocalTimestamp:  record.LocalTimestamp,
		UserID:          record.UserID,
		ClientID:        record.ClientID,
	}
}
