package insights

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// IDList stores a list of memory identifiers as JSON text.
type IDList []string

// Value serializes the list for storage.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes JSON text from the database.
func (l *IDList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch value := src.(type) {
	case string:
		raw = []byte(value)
	case []byte:
		raw = value
	default:
		return fmt.Errorf("insights: cannot scan %T into IDList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Insight is a generated narrative artifact over a set of memories, kept so
// the user can rate it, annotate it, or dismiss it later.
type Insight struct {
	ID     string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID string `gorm:"column:user_id;type:uuid;not null;index" json:"-"`

	InsightType string `gorm:"column:insight_type;size:50;not null" json:"insight_type"`
	Title       string `gorm:"column:title;size:255;not null" json:"title"`
	Description string `gorm:"column:description;type:text;not null" json:"description"`

	RelatedMemoryIDs IDList `gorm:"column:related_memory_ids;type:text" json:"related_memory_ids"`

	UserRating *int    `gorm:"column:user_rating" json:"user_rating"`
	IsHelpful  *bool   `gorm:"column:is_helpful" json:"is_helpful"`
	UserNotes  *string `gorm:"column:user_notes;type:text" json:"user_notes"`

	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	DismissedAt *time.Time `gorm:"column:dismissed_at" json:"dismissed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Insight) TableName() string {
	return "ai_insights"
}
