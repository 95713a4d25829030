package memories

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SensationMap stores the body-sensations document as JSON text.
type SensationMap map[string]any

// Value serializes the map for storage.
func (m SensationMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes JSON text from the database.
func (m *SensationMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch value := src.(type) {
	case string:
		raw = []byte(value)
	case []byte:
		raw = value
	default:
		return fmt.Errorf("memories: cannot scan %T into SensationMap", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Memory is one journal entry. Content arrives encrypted from the client and
// is never decrypted server-side; the key id identifies the client-held key.
type Memory struct {
	ID     string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID string `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`

	MemoryNumber  *int   `gorm:"column:memory_number" json:"memory_number"`
	Year          *int   `gorm:"column:year;check:valid_chronology,year IS NOT NULL OR age IS NOT NULL OR grade IS NOT NULL" json:"year"`
	Grade         *int   `gorm:"column:grade" json:"grade"`
	Age           *int   `gorm:"column:age" json:"age"`
	DatePrecision string `gorm:"column:date_precision;size:20;default:approximate" json:"date_precision"`

	EncryptedContent string `gorm:"column:encrypted_content;type:text;not null" json:"encrypted_content"`
	EncryptionKeyID  string `gorm:"column:encryption_key_id;size:100;not null" json:"encryption_key_id"`

	ConfidenceLevel    *int         `gorm:"column:confidence_level;check:valid_confidence,confidence_level BETWEEN 1 AND 10" json:"confidence_level"`
	EmotionalValence   *int         `gorm:"column:emotional_valence;check:valid_valence,emotional_valence BETWEEN -5 AND 5" json:"emotional_valence"`
	EmotionalIntensity *int         `gorm:"column:emotional_intensity" json:"emotional_intensity"`
	BodySensations     SensationMap `gorm:"column:body_sensations;type:text" json:"body_sensations"`

	Visibility string `gorm:"column:visibility;size:20;default:private" json:"visibility"`
	IsSealed   bool   `gorm:"column:is_sealed;not null;default:false" json:"is_sealed"`

	Embedding Vector `gorm:"column:embedding" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Tags []Tag `gorm:"many2many:memory_tags" json:"tags"`
}

// TableName provides the explicit table binding for GORM.
func (Memory) TableName() string {
	return "memories"
}

// Version is an immutable snapshot of a memory as it was before an update.
type Version struct {
	ID       string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	MemoryID string `gorm:"column:memory_id;type:uuid;not null;uniqueIndex:uniq_memory_version,priority:1" json:"memory_id"`

	VersionNumber    int    `gorm:"column:version_number;not null;uniqueIndex:uniq_memory_version,priority:2" json:"version_number"`
	EncryptedContent string `gorm:"column:encrypted_content;type:text;not null" json:"encrypted_content"`
	EncryptionKeyID  string `gorm:"column:encryption_key_id;size:100;not null" json:"encryption_key_id"`
	ChangeNote       string `gorm:"column:change_note;type:text" json:"change_note"`

	ConfidenceLevel  *int `gorm:"column:confidence_level" json:"confidence_level"`
	EmotionalValence *int `gorm:"column:emotional_valence" json:"emotional_valence"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "memory_versions"
}

// Tag is a user-scoped label attachable to memories.
type Tag struct {
	ID     string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID string `gorm:"column:user_id;type:uuid;not null;uniqueIndex:uniq_user_tag,priority:1" json:"-"`

	Name    string `gorm:"column:name;size:100;not null;uniqueIndex:uniq_user_tag,priority:2" json:"name"`
	TagType string `gorm:"column:tag_type;size:50" json:"tag_type"`
	Color   string `gorm:"column:color;size:20" json:"color"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// MemoryTag is the join row linking memories and tags.
type MemoryTag struct {
	MemoryID  string    `gorm:"column:memory_id;type:uuid;primaryKey"`
	TagID     string    `gorm:"column:tag_id;type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (MemoryTag) TableName() string {
	return "memory_tags"
}

// Perspective is a second encrypted viewpoint on a memory from another user.
type Perspective struct {
	ID       string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	MemoryID string `gorm:"column:memory_id;type:uuid;not null;uniqueIndex:uniq_memory_perspective,priority:1" json:"memory_id"`
	UserID   string `gorm:"column:user_id;type:uuid;not null;uniqueIndex:uniq_memory_perspective,priority:2" json:"user_id"`

	EncryptedContent string `gorm:"column:encrypted_content;type:text;not null" json:"encrypted_content"`
	EncryptionKeyID  string `gorm:"column:encryption_key_id;size:100;not null" json:"encryption_key_id"`

	ConfidenceLevel  *int `gorm:"column:confidence_level" json:"confidence_level"`
	EmotionalValence *int `gorm:"column:emotional_valence" json:"emotional_valence"`

	TheirYear *int `gorm:"column:their_year" json:"their_year"`
	TheirAge  *int `gorm:"column:their_age" json:"their_age"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Perspective) TableName() string {
	return "memory_perspectives"
}
