package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/recollect-app/recollect/backend/internal/audit"
	"github.com/recollect-app/recollect/backend/internal/memories"
)

func requestMeta(c *gin.Context) audit.RequestMeta {
	return audit.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func optionalIntQuery(c *gin.Context, name string) *int {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &value
}

func (h *httpHandler) handleListMemories(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	page := intQuery(c, "page", 1)
	perPage := intQuery(c, "per_page", 20)
	year := optionalIntQuery(c, "year")

	result, err := h.memories.List(c.Request.Context(), user.ID, page, perPage, year)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createMemoryRequest struct {
	MemoryNumber       *int                  `json:"memory_number"`
	Year               *int                  `json:"year"`
	Grade              *int                  `json:"grade"`
	Age                *int                  `json:"age"`
	DatePrecision      string                `json:"date_precision"`
	EncryptedContent   string                `json:"encrypted_content"`
	EncryptionKeyID    string                `json:"encryption_key_id"`
	ConfidenceLevel    *int                  `json:"confidence_level"`
	EmotionalValence   *int                  `json:"emotional_valence"`
	EmotionalIntensity *int                  `json:"emotional_intensity"`
	BodySensations     memories.SensationMap `json:"body_sensations"`
	TagIDs             []string              `json:"tag_ids"`
}

func (h *httpHandler) handleCreateMemory(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request createMemoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	memory, err := h.memories.Create(c.Request.Context(), user.ID, memories.CreateInput{
		MemoryNumber:       request.MemoryNumber,
		Year:               request.Year,
		Grade:              request.Grade,
		Age:                request.Age,
		DatePrecision:      request.DatePrecision,
		EncryptedContent:   request.EncryptedContent,
		EncryptionKeyID:    request.EncryptionKeyID,
		ConfidenceLevel:    request.ConfidenceLevel,
		EmotionalValence:   request.EmotionalValence,
		EmotionalIntensity: request.EmotionalIntensity,
		BodySensations:     request.BodySensations,
		TagIDs:             request.TagIDs,
	}, requestMeta(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Memory created", "memory": memory})
}

func (h *httpHandler) handleGetMemory(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	memory, err := h.memories.Get(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memory": memory})
}

type updateMemoryRequest struct {
	EncryptedContent *string `json:"encrypted_content"`
	EncryptionKeyID  *string `json:"encryption_key_id"`
	Year             *int    `json:"year"`
	Grade            *int    `json:"grade"`
	Age              *int    `json:"age"`
	ConfidenceLevel  *int    `json:"confidence_level"`
	EmotionalValence *int    `json:"emotional_valence"`
	ChangeNote       string  `json:"change_note"`
}

func (h *httpHandler) handleUpdateMemory(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request updateMemoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	memory, newVersion, err := h.memories.Update(c.Request.Context(), user.ID, c.Param("id"), memories.UpdateInput{
		EncryptedContent: request.EncryptedContent,
		EncryptionKeyID:  request.EncryptionKeyID,
		Year:             request.Year,
		Grade:            request.Grade,
		Age:              request.Age,
		ConfidenceLevel:  request.ConfidenceLevel,
		EmotionalValence: request.EmotionalValence,
		ChangeNote:       request.ChangeNote,
	}, requestMeta(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "Memory updated",
		"memory":      memory,
		"new_version": newVersion,
	})
}

func (h *httpHandler) handleDeleteMemory(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	if err := h.memories.Delete(c.Request.Context(), user.ID, c.Param("id"), requestMeta(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Memory deleted"})
}

func (h *httpHandler) handleMemoryTimeline(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	timeline, err := h.memories.GetTimeline(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, timeline)
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	tags, err := h.memories.ListTags(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

type createTagRequest struct {
	Name    string `json:"name"`
	TagType string `json:"tag_type"`
	Color   string `json:"color"`
}

func (h *httpHandler) handleCreateTag(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request createTagRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tag, err := h.memories.CreateTag(c.Request.Context(), user.ID, request.Name, request.TagType, request.Color)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Tag created", "tag": tag})
}

func (h *httpHandler) handleDeleteTag(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	if err := h.memories.DeleteTag(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tag deleted"})
}

type addPerspectiveRequest struct {
	EncryptedContent string `json:"encrypted_content"`
	EncryptionKeyID  string `json:"encryption_key_id"`
	ConfidenceLevel  *int   `json:"confidence_level"`
	EmotionalValence *int   `json:"emotional_valence"`
	TheirYear        *int   `json:"their_year"`
	TheirAge         *int   `json:"their_age"`
}

func (h *httpHandler) handleAddPerspective(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request addPerspectiveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	perspective, err := h.memories.AddPerspective(c.Request.Context(), c.Param("id"), user.ID, memories.PerspectiveInput{
		EncryptedContent: request.EncryptedContent,
		EncryptionKeyID:  request.EncryptionKeyID,
		ConfidenceLevel:  request.ConfidenceLevel,
		EmotionalValence: request.EmotionalValence,
		TheirYear:        request.TheirYear,
		TheirAge:         request.TheirAge,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Perspective added", "perspective": perspective})
}

func (h *httpHandler) handleListPerspectives(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	perspectives, err := h.memories.ListPerspectives(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"perspectives": perspectives})
}
