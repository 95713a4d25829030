// Package search ranks a user's memories against a natural-language query
// by cosine distance between the query embedding and stored document
// embeddings. Memories without an embedding are invisible here; that is a
// property of the data, not an error.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/recollect-app/recollect/backend/internal/memories"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultTopK = 10
	maxTopK     = 50
)

var (
	// ErrEmptyQuery indicates the query text was missing or blank.
	ErrEmptyQuery = errors.New("search: query required")

	errMissingDatabase = errors.New("search: database handle is required")
	errMissingEmbedder = errors.New("search: embedder is required")
)

// QueryEmbedder computes a query-mode embedding for search text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ScoredMemory is one ranked hit with its similarity score in [0,1].
type ScoredMemory struct {
	ID               string    `gorm:"column:id" json:"id"`
	EncryptedContent string    `gorm:"column:encrypted_content" json:"encrypted_content"`
	Year             *int      `gorm:"column:year" json:"year"`
	Age              *int      `gorm:"column:age" json:"age"`
	Grade            *int      `gorm:"column:grade" json:"grade"`
	ConfidenceLevel  *int      `gorm:"column:confidence_level" json:"confidence_level"`
	EmotionalValence *int      `gorm:"column:emotional_valence" json:"emotional_valence"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
	Similarity       float64   `gorm:"column:similarity" json:"similarity"`
}

// ServiceConfig describes the dependencies of the retrieval service.
type ServiceConfig struct {
	Database *gorm.DB
	Embedder QueryEmbedder
	Logger   *zap.Logger
}

// Service performs semantic retrieval.
type Service struct {
	db       *gorm.DB
	embedder QueryEmbedder
	logger   *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Embedder == nil {
		return nil, errMissingEmbedder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, embedder: cfg.Embedder, logger: logger}, nil
}

// Search embeds the query and returns at most topK of the user's memories
// ordered by descending similarity (1 - cosine distance, rounded to three
// decimals). The query is validated before any embedding call is made.
func (s *Service) Search(ctx context.Context, userID, query string, topK int) ([]ScoredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	queryVector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: query embedding failed: %w", err)
	}
	literal := memories.Vector(queryVector)

	var hits []ScoredMemory
	err = s.db.WithContext(ctx).Raw(`
		SELECT
			id,
			encrypted_content,
			year,
			age,
			grade,
			confidence_level,
			emotional_valence,
			created_at,
			1 - (embedding <=> CAST(? AS vector)) AS similarity
		FROM memories
		WHERE user_id = ?
			AND embedding IS NOT NULL
		ORDER BY embedding <=> CAST(? AS vector)
		LIMIT ?`,
		literal, userID, literal, topK,
	).Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("search: ranking query failed: %w", err)
	}

	for i := range hits {
		hits[i].Similarity = math.Round(hits[i].Similarity*1000) / 1000
	}

	s.logger.Debug("semantic search completed",
		zap.String("user_id", userID),
		zap.Int("hits", len(hits)))
	return hits, nil
}
