package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/recollect-app/recollect/backend/internal/memories"
	"github.com/recollect-app/recollect/backend/internal/search"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// analysisTopK bounds the retrieval context fed into the model.
	analysisTopK = 15

	defaultMaxTokens = 2048

	// NoMemoriesMessage is returned when retrieval finds nothing; the model
	// is never called in that case.
	NoMemoriesMessage = "No memories found. Please add some memories first."

	memorySeparator = "\n\n---\n\n"

	systemPrompt = `You are a compassionate, insightful therapist analyzing personal memories.
Your role:
- Identify patterns, themes, and connections across memories
- Note emotional progressions and changes over time
- Highlight potential areas for growth or healing
- Be empathetic, constructive, and non-judgmental
- Avoid clinical diagnoses or labels

Provide thoughtful analysis that helps the person understand themselves better.`
)

var (
	// ErrEmptyQuestion indicates the analysis question was missing or blank.
	ErrEmptyQuestion = errors.New("insights: question required")
	// ErrNotFound indicates the insight is absent or owned by another user.
	ErrNotFound = errors.New("insights: not found")

	errMissingDatabase  = errors.New("insights: database handle is required")
	errMissingRetriever = errors.New("insights: retriever is required")
	errMissingCreator   = errors.New("insights: message creator is required")
)

// Retriever performs semantic retrieval to build analysis context.
type Retriever interface {
	Search(ctx context.Context, userID, query string, topK int) ([]search.ScoredMemory, error)
}

// MessageCreator issues one completion request to the language model.
type MessageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// anthropicCreator adapts the SDK client to MessageCreator.
type anthropicCreator struct {
	client *anthropic.Client
}

// NewAnthropicCreator wraps the SDK client.
func NewAnthropicCreator(client *anthropic.Client) MessageCreator {
	return &anthropicCreator{client: client}
}

func (c *anthropicCreator) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

// Usage accounts for tokens consumed by one analysis.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// Analysis is the result of one analyze call.
type Analysis struct {
	Text             string `json:"analysis"`
	MemoriesAnalyzed int    `json:"memories_analyzed"`
	Usage            Usage  `json:"usage"`
}

// ServiceConfig describes the dependencies of the insight service.
type ServiceConfig struct {
	Database   *gorm.DB
	Retriever  Retriever
	Creator    MessageCreator
	Model      string
	IDProvider memories.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service generates narrative insights over retrieved memories and manages
// the stored insight records.
type Service struct {
	db         *gorm.DB
	retriever  Retriever
	creator    MessageCreator
	model      string
	idProvider memories.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Retriever == nil {
		return nil, errMissingRetriever
	}
	if cfg.Creator == nil {
		return nil, errMissingCreator
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = memories.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		retriever:  cfg.Retriever,
		creator:    cfg.Creator,
		model:      model,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Analyze retrieves the memories most relevant to the question and asks the
// model for a narrative analysis. With zero retrieved memories it returns
// the canned reply and never calls the model. The retrieved context is sent
// as a cacheable system block so repeat questions over the same memories hit
// the prompt cache.
func (s *Service) Analyze(ctx context.Context, userID, question string) (Analysis, error) {
	if strings.TrimSpace(question) == "" {
		return Analysis{}, ErrEmptyQuestion
	}

	hits, err := s.retriever.Search(ctx, userID, question, analysisTopK)
	if err != nil {
		return Analysis{}, fmt.Errorf("insights: retrieval failed: %w", err)
	}
	if len(hits) == 0 {
		return Analysis{Text: NoMemoriesMessage, MemoriesAnalyzed: 0}, nil
	}

	blocks := make([]string, 0, len(hits))
	for _, hit := range hits {
		blocks = append(blocks, formatMemoryBlock(hit))
	}
	contextText := "Relevant memories (retrieved via semantic search):\n\n" + strings.Join(blocks, memorySeparator)

	response, err := s.creator.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
			{Text: contextText, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(question)),
		},
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("insights: completion failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		text.WriteString(block.Text)
	}

	analysis := Analysis{
		Text:             text.String(),
		MemoriesAnalyzed: len(hits),
		Usage: Usage{
			InputTokens:         response.Usage.InputTokens,
			OutputTokens:        response.Usage.OutputTokens,
			CacheReadTokens:     response.Usage.CacheReadInputTokens,
			CacheCreationTokens: response.Usage.CacheCreationInputTokens,
		},
	}

	s.logger.Info("analysis complete",
		zap.String("user_id", userID),
		zap.Int("memories_analyzed", analysis.MemoriesAnalyzed),
		zap.Int64("input_tokens", analysis.Usage.InputTokens),
		zap.Int64("output_tokens", analysis.Usage.OutputTokens))

	s.persistBestEffort(ctx, userID, question, analysis, hits)
	return analysis, nil
}

// persistBestEffort stores the generated insight for later feedback. Losing
// the record must not fail the request that produced the analysis.
func (s *Service) persistBestEffort(ctx context.Context, userID, question string, analysis Analysis, hits []search.ScoredMemory) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Warn("insight id generation failed", zap.Error(err))
		return
	}
	related := make(IDList, 0, len(hits))
	for _, hit := range hits {
		related = append(related, hit.ID)
	}
	row := Insight{
		ID:               id,
		UserID:           userID,
		InsightType:      "analysis",
		Title:            truncateTitle(question),
		Description:      analysis.Text,
		RelatedMemoryIDs: related,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Warn("insight persistence failed", zap.Error(err))
	}
}

// List returns the user's undismissed insights, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Insight, error) {
	var rows []Insight
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND dismissed_at IS NULL", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("insights: list failed: %w", err)
	}
	return rows, nil
}

// FeedbackInput carries user feedback on a stored insight.
type FeedbackInput struct {
	Rating    *int
	IsHelpful *bool
	Notes     *string
}

// SaveFeedback records the user's reaction to an insight.
func (s *Service) SaveFeedback(ctx context.Context, userID, insightID string, input FeedbackInput) (Insight, error) {
	row, err := s.getOwned(ctx, userID, insightID)
	if err != nil {
		return Insight{}, err
	}
	if input.Rating != nil {
		row.UserRating = input.Rating
	}
	if input.IsHelpful != nil {
		row.IsHelpful = input.IsHelpful
	}
	if input.Notes != nil {
		row.UserNotes = input.Notes
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return Insight{}, fmt.Errorf("insights: feedback save failed: %w", err)
	}
	return row, nil
}

// Dismiss marks an insight as dismissed; dismissed insights drop out of List.
func (s *Service) Dismiss(ctx context.Context, userID, insightID string) error {
	row, err := s.getOwned(ctx, userID, insightID)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	row.DismissedAt = &now
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("insights: dismiss failed: %w", err)
	}
	return nil
}

func (s *Service) getOwned(ctx context.Context, userID, insightID string) (Insight, error) {
	var row Insight
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", insightID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Insight{}, ErrNotFound
	}
	if err != nil {
		return Insight{}, fmt.Errorf("insights: lookup failed: %w", err)
	}
	return row, nil
}

// formatMemoryBlock renders one retrieved memory the way the model sees it:
// chronology header, content, then a metadata footer with the similarity
// percentage.
func formatMemoryBlock(hit search.ScoredMemory) string {
	year := "unknown year"
	if hit.Year != nil {
		year = fmt.Sprintf("%d", *hit.Year)
	}
	age := "unknown"
	if hit.Age != nil {
		age = fmt.Sprintf("%d", *hit.Age)
	}
	confidence := "unknown"
	if hit.ConfidenceLevel != nil {
		confidence = fmt.Sprintf("%d", *hit.ConfidenceLevel)
	}
	valence := "unknown"
	if hit.EmotionalValence != nil {
		valence = fmt.Sprintf("%d", *hit.EmotionalValence)
	}
	similarityPct := int(hit.Similarity * 100)

	return fmt.Sprintf("Memory from %s (Age %s):\n%s\n\nMetadata: Confidence %s/10, Emotional valence %s, Relevance %d%%",
		year, age, hit.EncryptedContent, confidence, valence, similarityPct)
}

func truncateTitle(question string) string {
	const limit = 255
	trimmed := strings.TrimSpace(question)
	if len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit-3] + "..."
}
