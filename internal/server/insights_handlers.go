package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/recollect-app/recollect/backend/internal/insights"
)

type analyzeRequest struct {
	Question string `json:"question"`
}

func (h *httpHandler) handleAnalyze(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request analyzeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.analysisTimeout)
	defer cancel()

	analysis, err := h.insights.Analyze(ctx, user.ID, request.Question)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

type semanticSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	TopK  int    `json:"top_k"`
}

// resultLimit prefers the limit key; top_k is an accepted alias.
func (r semanticSearchRequest) resultLimit() int {
	if r.Limit > 0 {
		return r.Limit
	}
	return r.TopK
}

func (h *httpHandler) handleSemanticSearch(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request semanticSearchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	hits, err := h.search.Search(c.Request.Context(), user.ID, request.Query, request.resultLimit())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"query":    request.Query,
		"memories": hits,
		"count":    len(hits),
	})
}

func (h *httpHandler) handleListInsights(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	rows, err := h.insights.List(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": rows})
}

type insightFeedbackRequest struct {
	Rating    *int    `json:"rating"`
	IsHelpful *bool   `json:"is_helpful"`
	Notes     *string `json:"notes"`
}

func (h *httpHandler) handleInsightFeedback(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request insightFeedbackRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	row, err := h.insights.SaveFeedback(c.Request.Context(), user.ID, c.Param("id"), insights.FeedbackInput{
		Rating:    request.Rating,
		IsHelpful: request.IsHelpful,
		Notes:     request.Notes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Feedback saved", "insight": row})
}

func (h *httpHandler) handleDismissInsight(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	if err := h.insights.Dismiss(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Insight dismissed"})
}
