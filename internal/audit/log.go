package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Details carries free-form context for an audit entry as JSON text.
type Details map[string]any

// Value serializes the map for storage.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes JSON text from the database.
func (d *Details) Scan(src any) error {
	if src == nil {
		*d = nil
		return nil
	}
	var raw []byte
	switch value := src.(type) {
	case string:
		raw = []byte(value)
	case []byte:
		raw = value
	default:
		return fmt.Errorf("audit: cannot scan %T into Details", src)
	}
	if len(raw) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(raw, d)
}

// Log is an append-only record of an action taken on a resource. Rows are
// never updated or deleted; the user reference is severed, not cascaded,
// when an account goes away.
type Log struct {
	ID     string  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID *string `gorm:"column:user_id;type:uuid;index" json:"user_id"`

	Action       string  `gorm:"column:action;size:100;not null" json:"action"`
	ResourceType string  `gorm:"column:resource_type;size:50;not null" json:"resource_type"`
	ResourceID   *string `gorm:"column:resource_id;type:uuid" json:"resource_id"`

	Details   Details `gorm:"column:details;type:text" json:"details"`
	IPAddress string  `gorm:"column:ip_address;size:45" json:"ip_address"`
	UserAgent string  `gorm:"column:user_agent;type:text" json:"user_agent"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Log) TableName() string {
	return "audit_logs"
}
