package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/recollect-app/recollect/backend/internal/insights"
	"github.com/recollect-app/recollect/backend/internal/memories"
	"github.com/recollect-app/recollect/backend/internal/search"
	"github.com/recollect-app/recollect/backend/internal/users"
	"go.uber.org/zap"
)

const userContextKey = "recollect_user"

var (
	errMissingVerifier       = errors.New("token verifier dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errMissingMemoryService  = errors.New("memory service dependency required")
	errMissingSearchService  = errors.New("search service dependency required")
	errMissingInsightService = errors.New("insight service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	ValidateToken(token string) (string, error)
}

// ProfileResolver loads the profile behind a token subject.
type ProfileResolver interface {
	ResolveBySubject(ctx context.Context, subject string) (users.Profile, error)
}

// Searcher performs semantic retrieval.
type Searcher interface {
	Search(ctx context.Context, userID, query string, topK int) ([]search.ScoredMemory, error)
}

// InsightService generates and manages stored insights.
type InsightService interface {
	Analyze(ctx context.Context, userID, question string) (insights.Analysis, error)
	List(ctx context.Context, userID string) ([]insights.Insight, error)
	SaveFeedback(ctx context.Context, userID, insightID string, input insights.FeedbackInput) (insights.Insight, error)
	Dismiss(ctx context.Context, userID, insightID string) error
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	Verifier        TokenVerifier
	Users           ProfileResolver
	Memories        *memories.Service
	Search          Searcher
	Insights        InsightService
	CORSOrigins     []string
	AnalysisTimeout time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router with auth, CORS and all routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Memories == nil {
		return nil, errMissingMemoryService
	}
	if deps.Search == nil {
		return nil, errMissingSearchService
	}
	if deps.Insights == nil {
		return nil, errMissingInsightService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	analysisTimeout := deps.AnalysisTimeout
	if analysisTimeout <= 0 {
		analysisTimeout = 60 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:        deps.Verifier,
		users:           deps.Users,
		memories:        deps.Memories,
		search:          deps.Search,
		insights:        deps.Insights,
		analysisTimeout: analysisTimeout,
		logger:          logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	{
		api.GET("/memories/", handler.handleListMemories)
		api.POST("/memories/", handler.handleCreateMemory)
		api.GET("/memories/:id", handler.handleGetMemory)
		api.PUT("/memories/:id", handler.handleUpdateMemory)
		api.DELETE("/memories/:id", handler.handleDeleteMemory)
		api.GET("/memories/:id/timeline", handler.handleMemoryTimeline)
		api.GET("/memories/:id/perspectives", handler.handleListPerspectives)
		api.POST("/memories/:id/perspectives", handler.handleAddPerspective)

		api.GET("/tags/", handler.handleListTags)
		api.POST("/tags/", handler.handleCreateTag)
		api.DELETE("/tags/:id", handler.handleDeleteTag)

		api.POST("/insights/analyze", handler.handleAnalyze)
		api.POST("/insights/search", handler.handleSemanticSearch)
		api.GET("/insights/", handler.handleListInsights)
		api.POST("/insights/:id/feedback", handler.handleInsightFeedback)
		api.POST("/insights/:id/dismiss", handler.handleDismissInsight)
	}

	return router, nil
}

type httpHandler struct {
	verifier        TokenVerifier
	users           ProfileResolver
	memories        *memories.Service
	search          Searcher
	insights        InsightService
	analysisTimeout time.Duration
	logger          *zap.Logger
}

// authorizeRequest validates the bearer token, resolves the profile behind
// its subject and threads it through the request context. Token failures are
// 401; a valid token whose subject has no profile is 404.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	subject, err := h.verifier.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.users.ResolveBySubject(c.Request.Context(), subject)
	if err != nil {
		if errors.Is(err, users.ErrProfileNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Set(userContextKey, profile)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return users.Profile{}, false
	}
	return profile, true
}

// respondError maps domain errors onto HTTP statuses. Service error codes
// are included when present so clients and logs can pinpoint the failing
// operation.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memories.ErrNotFound), errors.Is(err, insights.ErrNotFound), errors.Is(err, users.ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memories.ErrValidation), errors.Is(err, search.ErrEmptyQuery), errors.Is(err, insights.ErrEmptyQuestion):
		status = http.StatusBadRequest
	case errors.Is(err, memories.ErrIntegrity):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	payload := gin.H{"error": err.Error()}
	var svcErr *memories.ServiceError
	if errors.As(err, &svcErr) {
		payload["code"] = svcErr.Code()
	}
	c.JSON(status, payload)
}
