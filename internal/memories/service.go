package memories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/recollect-app/recollect/backend/internal/audit"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the memory is absent or owned by another user.
	ErrNotFound = errors.New("memories: not found")
	// ErrValidation indicates a required field was missing or malformed.
	ErrValidation = errors.New("memories: validation failed")
	// ErrIntegrity indicates a database constraint rejected the write.
	ErrIntegrity = errors.New("memories: integrity violation")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
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

// Code returns the dotted operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "memories.service.new"
	opList             = "memories.list"
	opCreate           = "memories.create"
	opGet              = "memories.get"
	opUpdate           = "memories.update"
	opTimeline         = "memories.timeline"
	opDelete           = "memories.delete"
	opListTags         = "memories.list_tags"
	opCreateTag        = "memories.create_tag"
	opDeleteTag        = "memories.delete_tag"
	opAddPerspective   = "memories.add_perspective"
	opListPerspectives = "memories.list_perspectives"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DocumentEmbedder computes a document-mode embedding for stored content.
type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// ServiceConfig describes the dependencies of the memory service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Recorder   *audit.Recorder
	Embedder   DocumentEmbedder
	Logger     *zap.Logger
}

// Service owns memory persistence: CRUD, version snapshots, tags and
// perspectives. Every operation is scoped to the owning user.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	recorder   *audit.Recorder
	embedder   DocumentEmbedder
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		recorder:   recorder,
		embedder:   cfg.Embedder,
		logger:     logger,
	}, nil
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Page is one page of a memory listing.
type Page struct {
	Memories []Memory `json:"memories"`
	Total    int64    `json:"total"`
	Page     int      `json:"page"`
	Pages    int      `json:"pages"`
}

// List returns the user's memories ordered by chronology, newest first.
func (s *Service) List(ctx context.Context, userID string, page, perPage int, year *int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	query := s.db.WithContext(ctx).Model(&Memory{}).Where("user_id = ?", userID)
	if year != nil {
		query = query.Where("year = ?", *year)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page{}, newServiceError(opList, "count_failed", err)
	}

	var items []Memory
	err := query.
		Order("year DESC NULLS LAST").
		Order("age DESC NULLS LAST").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Preload("Tags").
		Find(&items).Error
	if err != nil {
		return Page{}, newServiceError(opList, "query_failed", err)
	}

	pages := int((total + int64(perPage) - 1) / int64(perPage))
	return Page{Memories: items, Total: total, Page: page, Pages: pages}, nil
}

// CreateInput carries the fields accepted when creating a memory.
type CreateInput struct {
	MemoryNumber       *int
	Year               *int
	Grade              *int
	Age                *int
	DatePrecision      string
	EncryptedContent   string
	EncryptionKeyID    string
	ConfidenceLevel    *int
	EmotionalValence   *int
	EmotionalIntensity *int
	BodySensations     SensationMap
	TagIDs             []string
}

// Create persists a new memory, attaching only tags owned by the user, and
// writes a memory_created audit row in the same transaction. A document
// embedding is computed best effort after commit; failure leaves the memory
// outside semantic search until the next backfill.
func (s *Service) Create(ctx context.Context, userID string, input CreateInput, meta audit.RequestMeta) (Memory, error) {
	if strings.TrimSpace(input.EncryptedContent) == "" {
		return Memory{}, newServiceError(opCreate, "missing_content", fmt.Errorf("%w: encrypted_content required", ErrValidation))
	}
	if strings.TrimSpace(input.EncryptionKeyID) == "" {
		return Memory{}, newServiceError(opCreate, "missing_key_id", fmt.Errorf("%w: encryption_key_id required", ErrValidation))
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Memory{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	precision := input.DatePrecision
	if precision == "" {
		precision = "approximate"
	}

	memory := Memory{
		ID:                 id,
		UserID:             userID,
		MemoryNumber:       input.MemoryNumber,
		Year:               input.Year,
		Grade:              input.Grade,
		Age:                input.Age,
		DatePrecision:      precision,
		EncryptedContent:   input.EncryptedContent,
		EncryptionKeyID:    input.EncryptionKeyID,
		ConfidenceLevel:    input.ConfidenceLevel,
		EmotionalValence:   input.EmotionalValence,
		EmotionalIntensity: input.EmotionalIntensity,
		BodySensations:     input.BodySensations,
		Visibility:         "private",
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(input.TagIDs) > 0 {
			var tags []Tag
			if err := tx.Where("id IN ? AND user_id = ?", input.TagIDs, userID).Find(&tags).Error; err != nil {
				return newServiceError(opCreate, "tag_lookup_failed", err)
			}
			memory.Tags = tags
		}
		if err := tx.Create(&memory).Error; err != nil {
			if isIntegrityViolation(err) {
				return newServiceError(opCreate, "constraint_violation", fmt.Errorf("%w: %v", ErrIntegrity, err))
			}
			return newServiceError(opCreate, "insert_failed", err)
		}
		if err := s.recorder.Record(tx, audit.Entry{
			UserID:       userID,
			Action:       "memory_created",
			ResourceType: "memory",
			ResourceID:   memory.ID,
			Meta:         meta,
		}); err != nil {
			return newServiceError(opCreate, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Memory{}, txErr
	}

	s.embedBestEffort(ctx, &memory)
	return memory, nil
}

// Get loads one memory owned by the user.
func (s *Service) Get(ctx context.Context, userID, memoryID string) (Memory, error) {
	var memory Memory
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", memoryID, userID).
		Preload("Tags").
		First(&memory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Memory{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		return Memory{}, newServiceError(opGet, "query_failed", err)
	}
	return memory, nil
}

// UpdateInput carries the fields accepted when updating a memory. Nil
// pointers leave the stored value unchanged.
type UpdateInput struct {
	EncryptedContent *string
	EncryptionKeyID  *string
	Year             *int
	Grade            *int
	Age              *int
	ConfidenceLevel  *int
	EmotionalValence *int
	ChangeNote       string
}

// Update snapshots the memory's pre-update state into an immutable version
// row, then applies the caller's changes. Both writes share one transaction:
// a failure in either rolls back both. The row lock taken on the memory
// serializes concurrent writers so version numbers stay gap-free; the unique
// (memory_id, version_number) index backstops the invariant.
func (s *Service) Update(ctx context.Context, userID, memoryID string, input UpdateInput, meta audit.RequestMeta) (Memory, int, error) {
	var memory Memory
	var versionNumber int

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", memoryID, userID).
			First(&memory).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opUpdate, "select_failed", err)
		}

		var maxVersion int
		err = tx.Model(&Version{}).
			Where("memory_id = ?", memory.ID).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return newServiceError(opUpdate, "version_count_failed", err)
		}
		versionNumber = maxVersion + 1

		snapshotID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opUpdate, "id_generation_failed", err)
		}
		snapshot := Version{
			ID:               snapshotID,
			MemoryID:         memory.ID,
			VersionNumber:    versionNumber,
			EncryptedContent: memory.EncryptedContent,
			EncryptionKeyID:  memory.EncryptionKeyID,
			ChangeNote:       input.ChangeNote,
			ConfidenceLevel:  memory.ConfidenceLevel,
			EmotionalValence: memory.EmotionalValence,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			if isIntegrityViolation(err) {
				return newServiceError(opUpdate, "version_collision", fmt.Errorf("%w: %v", ErrIntegrity, err))
			}
			return newServiceError(opUpdate, "version_insert_failed", err)
		}

		contentChanged := applyChanges(&memory, input)
		memory.UpdatedAt = s.clock().UTC()
		if err := tx.Omit("Tags").Save(&memory).Error; err != nil {
			if isIntegrityViolation(err) {
				return newServiceError(opUpdate, "constraint_violation", fmt.Errorf("%w: %v", ErrIntegrity, err))
			}
			return newServiceError(opUpdate, "save_failed", err)
		}

		if err := s.recorder.Record(tx, audit.Entry{
			UserID:       userID,
			Action:       "memory_updated",
			ResourceType: "memory",
			ResourceID:   memory.ID,
			Details:      audit.Details{"version_number": versionNumber, "content_changed": contentChanged},
			Meta:         meta,
		}); err != nil {
			return newServiceError(opUpdate, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Memory{}, 0, txErr
	}

	if input.EncryptedContent != nil {
		s.embedBestEffort(ctx, &memory)
	}
	return memory, versionNumber, nil
}

// applyChanges mutates the live row from the provided fields and reports
// whether the stored content changed.
func applyChanges(memory *Memory, input UpdateInput) bool {
	contentChanged := false
	if input.EncryptedContent != nil && *input.EncryptedContent != memory.EncryptedContent {
		memory.EncryptedContent = *input.EncryptedContent
		contentChanged = true
	}
	if input.EncryptionKeyID != nil {
		memory.EncryptionKeyID = *input.EncryptionKeyID
	}
	if input.Year != nil {
		memory.Year = input.Year
	}
	if input.Grade != nil {
		memory.Grade = input.Grade
	}
	if input.Age != nil {
		memory.Age = input.Age
	}
	if input.ConfidenceLevel != nil {
		memory.ConfidenceLevel = input.ConfidenceLevel
	}
	if input.EmotionalValence != nil {
		memory.EmotionalValence = input.EmotionalValence
	}
	return contentChanged
}

// VersionSummary is one timeline entry.
type VersionSummary struct {
	VersionNumber int       `json:"version_number"`
	ChangeNote    string    `json:"change_note"`
	CreatedAt     time.Time `json:"created_at"`
}

// Timeline holds the current state plus the ordered version history.
type Timeline struct {
	MemoryID string           `json:"memory_id"`
	Current  Memory           `json:"current"`
	Versions []VersionSummary `json:"versions"`
}

// GetTimeline returns the memory and its version summaries, oldest first.
func (s *Service) GetTimeline(ctx context.Context, userID, memoryID string) (Timeline, error) {
	memory, err := s.Get(ctx, userID, memoryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Timeline{}, newServiceError(opTimeline, "not_found", ErrNotFound)
		}
		return Timeline{}, err
	}

	var versions []Version
	err = s.db.WithContext(ctx).
		Where("memory_id = ?", memory.ID).
		Order("version_number ASC").
		Find(&versions).Error
	if err != nil {
		return Timeline{}, newServiceError(opTimeline, "query_failed", err)
	}

	summaries := make([]VersionSummary, 0, len(versions))
	for _, v := range versions {
		summaries = append(summaries, VersionSummary{
			VersionNumber: v.VersionNumber,
			ChangeNote:    v.ChangeNote,
			CreatedAt:     v.CreatedAt,
		})
	}
	return Timeline{MemoryID: memory.ID, Current: memory, Versions: summaries}, nil
}

// ListVersions returns the full version rows for a memory, oldest first.
func (s *Service) ListVersions(ctx context.Context, userID, memoryID string) ([]Version, error) {
	if _, err := s.Get(ctx, userID, memoryID); err != nil {
		return nil, err
	}
	var versions []Version
	err := s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("version_number ASC").
		Find(&versions).Error
	if err != nil {
		return nil, newServiceError(opTimeline, "query_failed", err)
	}
	return versions, nil
}

// Delete removes the memory together with its versions, perspectives and tag
// links, leaving no orphans. The deletes run in one transaction so the
// cascade holds even where the schema-level foreign keys are not enforced.
func (s *Service) Delete(ctx context.Context, userID, memoryID string, meta audit.RequestMeta) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var memory Memory
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", memoryID, userID).
			First(&memory).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDelete, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opDelete, "select_failed", err)
		}

		if err := tx.Where("memory_id = ?", memory.ID).Delete(&Version{}).Error; err != nil {
			return newServiceError(opDelete, "version_delete_failed", err)
		}
		if err := tx.Where("memory_id = ?", memory.ID).Delete(&Perspective{}).Error; err != nil {
			return newServiceError(opDelete, "perspective_delete_failed", err)
		}
		if err := tx.Where("memory_id = ?", memory.ID).Delete(&MemoryTag{}).Error; err != nil {
			return newServiceError(opDelete, "tag_link_delete_failed", err)
		}
		if err := tx.Delete(&memory).Error; err != nil {
			return newServiceError(opDelete, "delete_failed", err)
		}

		if err := s.recorder.Record(tx, audit.Entry{
			UserID:       userID,
			Action:       "memory_deleted",
			ResourceType: "memory",
			ResourceID:   memory.ID,
			Meta:         meta,
		}); err != nil {
			return newServiceError(opDelete, "audit_insert_failed", err)
		}
		return nil
	})
}

// ListTags returns the user's tags ordered by name.
func (s *Service) ListTags(ctx context.Context, userID string) ([]Tag, error) {
	var tags []Tag
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("name ASC").
		Find(&tags).Error
	if err != nil {
		return nil, newServiceError(opListTags, "query_failed", err)
	}
	return tags, nil
}

// CreateTag creates a user-scoped tag; names are unique per user.
func (s *Service) CreateTag(ctx context.Context, userID, name, tagType, color string) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, newServiceError(opCreateTag, "missing_name", fmt.Errorf("%w: name required", ErrValidation))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Tag{}, newServiceError(opCreateTag, "id_generation_failed", err)
	}
	tag := Tag{ID: id, UserID: userID, Name: name, TagType: tagType, Color: color}
	if err := s.db.WithContext(ctx).Create(&tag).Error; err != nil {
		if isIntegrityViolation(err) {
			return Tag{}, newServiceError(opCreateTag, "duplicate_name", fmt.Errorf("%w: %v", ErrIntegrity, err))
		}
		return Tag{}, newServiceError(opCreateTag, "insert_failed", err)
	}
	return tag, nil
}

// DeleteTag removes a tag and its memory links.
func (s *Service) DeleteTag(ctx context.Context, userID, tagID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tag Tag
		err := tx.Where("id = ? AND user_id = ?", tagID, userID).First(&tag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteTag, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteTag, "select_failed", err)
		}
		if err := tx.Where("tag_id = ?", tag.ID).Delete(&MemoryTag{}).Error; err != nil {
			return newServiceError(opDeleteTag, "link_delete_failed", err)
		}
		if err := tx.Delete(&tag).Error; err != nil {
			return newServiceError(opDeleteTag, "delete_failed", err)
		}
		return nil
	})
}

// PerspectiveInput carries the fields for a second viewpoint on a memory.
type PerspectiveInput struct {
	EncryptedContent string
	EncryptionKeyID  string
	ConfidenceLevel  *int
	EmotionalValence *int
	TheirYear        *int
	TheirAge         *int
}

// AddPerspective stores another user's encrypted viewpoint on a memory.
// One perspective per (memory, user).
func (s *Service) AddPerspective(ctx context.Context, memoryID, authorID string, input PerspectiveInput) (Perspective, error) {
	if strings.TrimSpace(input.EncryptedContent) == "" {
		return Perspective{}, newServiceError(opAddPerspective, "missing_content", fmt.Errorf("%w: encrypted_content required", ErrValidation))
	}
	if strings.TrimSpace(input.EncryptionKeyID) == "" {
		return Perspective{}, newServiceError(opAddPerspective, "missing_key_id", fmt.Errorf("%w: encryption_key_id required", ErrValidation))
	}

	var memory Memory
	err := s.db.WithContext(ctx).Where("id = ?", memoryID).First(&memory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Perspective{}, newServiceError(opAddPerspective, "not_found", ErrNotFound)
	}
	if err != nil {
		return Perspective{}, newServiceError(opAddPerspective, "select_failed", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Perspective{}, newServiceError(opAddPerspective, "id_generation_failed", err)
	}
	perspective := Perspective{
		ID:               id,
		MemoryID:         memory.ID,
		UserID:           authorID,
		EncryptedContent: input.EncryptedContent,
		EncryptionKeyID:  input.EncryptionKeyID,
		ConfidenceLevel:  input.ConfidenceLevel,
		EmotionalValence: input.EmotionalValence,
		TheirYear:        input.TheirYear,
		TheirAge:         input.TheirAge,
	}
	if err := s.db.WithContext(ctx).Create(&perspective).Error; err != nil {
		if isIntegrityViolation(err) {
			return Perspective{}, newServiceError(opAddPerspective, "duplicate_perspective", fmt.Errorf("%w: %v", ErrIntegrity, err))
		}
		return Perspective{}, newServiceError(opAddPerspective, "insert_failed", err)
	}
	return perspective, nil
}

// ListPerspectives returns all perspectives on a memory owned by the user.
func (s *Service) ListPerspectives(ctx context.Context, userID, memoryID string) ([]Perspective, error) {
	if _, err := s.Get(ctx, userID, memoryID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newServiceError(opListPerspectives, "not_found", ErrNotFound)
		}
		return nil, err
	}
	var perspectives []Perspective
	err := s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("created_at ASC").
		Find(&perspectives).Error
	if err != nil {
		return nil, newServiceError(opListPerspectives, "query_failed", err)
	}
	return perspectives, nil
}

// embedBestEffort computes and stores a document embedding without failing
// the caller. Memories without an embedding stay invisible to semantic
// search until the next backfill run.
func (s *Service) embedBestEffort(ctx context.Context, memory *Memory) {
	if s.embedder == nil {
		return
	}
	vector, err := s.embedder.EmbedDocument(ctx, memory.EncryptedContent)
	if err != nil {
		s.logger.Warn("document embedding failed",
			zap.String("memory_id", memory.ID),
			zap.Error(err))
		return
	}
	memory.Embedding = Vector(vector)
	if err := s.db.WithContext(ctx).Model(&Memory{}).
		Where("id = ?", memory.ID).
		Update("embedding", memory.Embedding).Error; err != nil {
		s.logger.Warn("embedding store failed",
			zap.String("memory_id", memory.ID),
			zap.Error(err))
	}
}

// isIntegrityViolation classifies constraint failures across the Postgres
// and sqlite drivers.
func isIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrCheckConstraintViolated) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	message := err.Error()
	for _, marker := range []string{
		"UNIQUE constraint failed",
		"CHECK constraint failed",
		"FOREIGN KEY constraint failed",
		"duplicate key value violates unique constraint",
		"violates check constraint",
		"violates foreign key constraint",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
