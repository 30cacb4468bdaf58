package rowstore

import "time"

// Row is the persisted form of one synchronized record. Payloads are stored
// as validated JSON text; the schema lives in internal/crm, not in columns.
type Row struct {
	OwnerID     string    `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_rows_owner_collection,priority:1"`
	Collection  string    `gorm:"column:collection;primaryKey;size:64;not null;index:idx_rows_owner_collection,priority:2"`
	RecordID    string    `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "records"
}
