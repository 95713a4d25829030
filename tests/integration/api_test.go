package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/recollect-app/recollect/backend/internal/audit"
	"github.com/recollect-app/recollect/backend/internal/auth"
	"github.com/recollect-app/recollect/backend/internal/database"
	"github.com/recollect-app/recollect/backend/internal/embedding"
	"github.com/recollect-app/recollect/backend/internal/insights"
	"github.com/recollect-app/recollect/backend/internal/memories"
	"github.com/recollect-app/recollect/backend/internal/search"
	"github.com/recollect-app/recollect/backend/internal/server"
	"github.com/recollect-app/recollect/backend/internal/users"
	"gorm.io/gorm"
)

const (
	signingSecret = "integration-signing-secret"
	audience      = "authenticated"
	ownerSubject  = "11111111-1111-7111-8111-111111111111"
	friendSubject = "22222222-2222-7222-8222-222222222222"
)

// dbSearcher serves retrieval from stored rows without the vector operator,
// which needs Postgres; ordering by recency is enough to exercise the flow.
type dbSearcher struct {
	db *gorm.DB
}

func (s *dbSearcher) Search(ctx context.Context, userID, query string, topK int) ([]search.ScoredMemory, error) {
	if query == "" {
		return nil, search.ErrEmptyQuery
	}
	var rows []memories.Memory
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND embedding IS NOT NULL", userID).
		Order("created_at DESC").
		Limit(topK).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	hits := make([]search.ScoredMemory, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, search.ScoredMemory{
			ID:               row.ID,
			EncryptedContent: row.EncryptedContent,
			Year:             row.Year,
			Age:              row.Age,
			ConfidenceLevel:  row.ConfidenceLevel,
			EmotionalValence: row.EmotionalValence,
			Similarity:       0.9,
		})
	}
	return hits, nil
}

type scriptedCreator struct {
	calls int
}

func (c *scriptedCreator) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	c.calls++
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "A recurring theme of growth."}},
		Usage:   anthropic.Usage{InputTokens: 100, OutputTokens: 40},
	}, nil
}

type environment struct {
	handler http.Handler
	db      *gorm.DB
	issuer  *auth.Issuer
	creator *scriptedCreator
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "integration.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, subject := range []string{ownerSubject, friendSubject} {
		if err := db.Create(&users.Profile{ID: subject, DisplayName: "subject " + subject[:8]}).Error; err != nil {
			t.Fatalf("failed to seed profile: %v", err)
		}
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(signingSecret),
		Audience:      audience,
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	issuer := auth.NewIssuer(auth.IssuerConfig{
		SigningSecret: []byte(signingSecret),
		Audience:      audience,
		TokenTTL:      time.Hour,
	})

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	memoryService, err := memories.NewService(memories.ServiceConfig{
		Database:   db,
		IDProvider: memories.NewUUIDProvider(),
		Embedder:   embedding.NewMockClient(8),
	})
	if err != nil {
		t.Fatalf("failed to construct memory service: %v", err)
	}

	creator := &scriptedCreator{}
	insightService, err := insights.NewService(insights.ServiceConfig{
		Database:  db,
		Retriever: &dbSearcher{db: db},
		Creator:   creator,
	})
	if err != nil {
		t.Fatalf("failed to construct insight service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier: verifier,
		Users:    userService,
		Memories: memoryService,
		Search:   &dbSearcher{db: db},
		Insights: insightService,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &environment{handler: handler, db: db, issuer: issuer, creator: creator}
}

func (e *environment) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := e.issuer.IssueToken(subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (e *environment) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = encoded
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestFullMemoryJourney(t *testing.T) {
	env := newEnvironment(t)
	ownerToken := env.token(t, ownerSubject)
	friendToken := env.token(t, friendSubject)

	created := env.request(t, http.MethodPost, "/api/memories/", ownerToken, map[string]any{
		"encrypted_content": "ciphertext-1",
		"encryption_key_id": "key-1",
		"year":              2003,
		"age":               9,
		"confidence_level":  7,
		"emotional_valence": 2,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", created.Code, created.Body.String())
	}
	memoryID := decode(t, created)["memory"].(map[string]any)["id"].(string)

	// The write-time embedding makes the memory retrievable immediately.
	var stored memories.Memory
	if err := env.db.First(&stored, "id = ?", memoryID).Error; err != nil {
		t.Fatalf("failed to load stored memory: %v", err)
	}
	if stored.Embedding == nil {
		t.Fatalf("expected embedding computed at write time")
	}

	for i, content := range []string{"ciphertext-2", "ciphertext-3"} {
		updated := env.request(t, http.MethodPut, "/api/memories/"+memoryID, ownerToken, map[string]any{
			"encrypted_content": content,
			"change_note":       "revision",
		})
		if updated.Code != http.StatusOK {
			t.Fatalf("update %d: expected 200, got %d: %s", i+1, updated.Code, updated.Body.String())
		}
		if version := decode(t, updated)["new_version"].(float64); int(version) != i+1 {
			t.Fatalf("update %d: expected version %d, got %v", i+1, i+1, version)
		}
	}

	timeline := env.request(t, http.MethodGet, "/api/memories/"+memoryID+"/timeline", ownerToken, nil)
	if timeline.Code != http.StatusOK {
		t.Fatalf("timeline: expected 200, got %d", timeline.Code)
	}
	versions := decode(t, timeline)["versions"].([]any)
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	first := versions[0].(map[string]any)
	if first["version_number"].(float64) != 1 {
		t.Fatalf("expected oldest version first, got %v", first["version_number"])
	}

	perspective := env.request(t, http.MethodPost, "/api/memories/"+memoryID+"/perspectives", friendToken, map[string]any{
		"encrypted_content": "their-ciphertext",
		"encryption_key_id": "key-2",
		"their_age":         11,
	})
	if perspective.Code != http.StatusCreated {
		t.Fatalf("perspective: expected 201, got %d: %s", perspective.Code, perspective.Body.String())
	}

	perspectives := env.request(t, http.MethodGet, "/api/memories/"+memoryID+"/perspectives", ownerToken, nil)
	if perspectives.Code != http.StatusOK {
		t.Fatalf("perspectives: expected 200, got %d", perspectives.Code)
	}
	if listed := decode(t, perspectives)["perspectives"].([]any); len(listed) != 1 {
		t.Fatalf("expected 1 perspective, got %d", len(listed))
	}

	// Other users cannot read the memory itself.
	foreign := env.request(t, http.MethodGet, "/api/memories/"+memoryID, friendToken, nil)
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", foreign.Code)
	}

	analyzed := env.request(t, http.MethodPost, "/api/insights/analyze", ownerToken, map[string]any{
		"question": "what do these memories say about me?",
	})
	if analyzed.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d: %s", analyzed.Code, analyzed.Body.String())
	}
	analysis := decode(t, analyzed)
	if analysis["analysis"] != "A recurring theme of growth." {
		t.Fatalf("unexpected analysis: %v", analysis["analysis"])
	}
	if analysis["memories_analyzed"].(float64) != 1 {
		t.Fatalf("expected 1 memory analyzed, got %v", analysis["memories_analyzed"])
	}
	if env.creator.calls != 1 {
		t.Fatalf("expected 1 model call, got %d", env.creator.calls)
	}

	insightsList := env.request(t, http.MethodGet, "/api/insights/", ownerToken, nil)
	if insightsList.Code != http.StatusOK {
		t.Fatalf("insights list: expected 200, got %d", insightsList.Code)
	}
	storedInsights := decode(t, insightsList)["insights"].([]any)
	if len(storedInsights) != 1 {
		t.Fatalf("expected 1 stored insight, got %d", len(storedInsights))
	}
	insightID := storedInsights[0].(map[string]any)["id"].(string)

	feedback := env.request(t, http.MethodPost, "/api/insights/"+insightID+"/feedback", ownerToken, map[string]any{
		"rating":     5,
		"is_helpful": true,
	})
	if feedback.Code != http.StatusOK {
		t.Fatalf("feedback: expected 200, got %d: %s", feedback.Code, feedback.Body.String())
	}

	dismissed := env.request(t, http.MethodPost, "/api/insights/"+insightID+"/dismiss", ownerToken, nil)
	if dismissed.Code != http.StatusOK {
		t.Fatalf("dismiss: expected 200, got %d", dismissed.Code)
	}
	afterDismiss := env.request(t, http.MethodGet, "/api/insights/", ownerToken, nil)
	if listed, ok := decode(t, afterDismiss)["insights"].([]any); ok && len(listed) != 0 {
		t.Fatalf("expected no insights after dismissal, got %d", len(listed))
	}

	deleted := env.request(t, http.MethodDelete, "/api/memories/"+memoryID, ownerToken, nil)
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", deleted.Code)
	}

	var auditActions []string
	if err := env.db.Model(&audit.Log{}).Order("created_at ASC").Pluck("action", &auditActions).Error; err != nil {
		t.Fatalf("failed to load audit actions: %v", err)
	}
	expected := map[string]bool{"memory_created": false, "memory_updated": false, "memory_deleted": false}
	for _, action := range auditActions {
		expected[action] = true
	}
	for action, seen := range expected {
		if !seen {
			t.Fatalf("expected audit action %q, actions were %v", action, auditActions)
		}
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	env := newEnvironment(t)

	past := time.Now().Add(-2 * time.Hour)
	expiredIssuer := auth.NewIssuer(auth.IssuerConfig{
		SigningSecret: []byte(signingSecret),
		Audience:      audience,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return past },
	})
	token, err := expiredIssuer.IssueToken(ownerSubject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	recorder := env.request(t, http.MethodGet, "/api/memories/", token, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", recorder.Code)
	}
}

func TestListInsightsEmptyBeforeAnalysis(t *testing.T) {
	env := newEnvironment(t)
	token := env.token(t, ownerSubject)

	recorder := env.request(t, http.MethodGet, "/api/insights/", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decode(t, recorder)
	if insightsValue, ok := body["insights"]; ok && insightsValue != nil {
		if listed, ok := insightsValue.([]any); ok && len(listed) != 0 {
			t.Fatalf("expected no insights, got %d", len(listed))
		}
	}
}
