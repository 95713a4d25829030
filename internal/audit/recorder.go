package audit

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestMeta carries client metadata captured from the HTTP request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Entry describes a single audited action.
type Entry struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Details      Details
	Meta         RequestMeta
}

// Recorder appends audit rows. Record is expected to run on the same
// transaction handle as the write it documents.
type Recorder struct {
	newID func() (string, error)
}

// NewRecorder constructs a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		newID: func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		},
	}
}

// Record inserts one audit row using the provided database handle.
func (r *Recorder) Record(tx *gorm.DB, entry Entry) error {
	id, err := r.newID()
	if err != nil {
		return err
	}
	row := Log{
		ID:           id,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		Details:      entry.Details,
		IPAddress:    entry.Meta.IPAddress,
		UserAgent:    entry.Meta.UserAgent,
	}
	if entry.UserID != "" {
		row.UserID = &entry.UserID
	}
	if entry.ResourceID != "" {
		row.ResourceID = &entry.ResourceID
	}
	return tx.Create(&row).Error
}
