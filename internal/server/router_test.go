package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/recollect-app/recollect/backend/internal/audit"
	"github.com/recollect-app/recollect/backend/internal/auth"
	"github.com/recollect-app/recollect/backend/internal/insights"
	"github.com/recollect-app/recollect/backend/internal/memories"
	"github.com/recollect-app/recollect/backend/internal/search"
	"github.com/recollect-app/recollect/backend/internal/users"
	"gorm.io/gorm"
)

const (
	knownSubject   = "11111111-1111-7111-8111-111111111111"
	unknownSubject = "99999999-9999-7999-8999-999999999999"
	validToken     = "valid-token"
	orphanToken    = "orphan-token"
)

type staticVerifier struct{}

func (staticVerifier) ValidateToken(token string) (string, error) {
	switch token {
	case validToken:
		return knownSubject, nil
	case orphanToken:
		return unknownSubject, nil
	default:
		return "", auth.ErrInvalidToken
	}
}

type staticResolver struct{}

func (staticResolver) ResolveBySubject(ctx context.Context, subject string) (users.Profile, error) {
	if subject == knownSubject {
		return users.Profile{ID: knownSubject, DisplayName: "Sam"}, nil
	}
	return users.Profile{}, users.ErrProfileNotFound
}

type stubSearcher struct {
	hits     []search.ScoredMemory
	lastTopK int
}

func (s *stubSearcher) Search(ctx context.Context, userID, query string, topK int) ([]search.ScoredMemory, error) {
	s.lastTopK = topK
	if query == "" {
		return nil, search.ErrEmptyQuery
	}
	return s.hits, nil
}

type stubInsights struct {
	analysis insights.Analysis
}

func (s *stubInsights) Analyze(ctx context.Context, userID, question string) (insights.Analysis, error) {
	if question == "" {
		return insights.Analysis{}, insights.ErrEmptyQuestion
	}
	return s.analysis, nil
}

func (s *stubInsights) List(ctx context.Context, userID string) ([]insights.Insight, error) {
	return nil, nil
}

func (s *stubInsights) SaveFeedback(ctx context.Context, userID, insightID string, input insights.FeedbackInput) (insights.Insight, error) {
	return insights.Insight{}, insights.ErrNotFound
}

func (s *stubInsights) Dismiss(ctx context.Context, userID, insightID string) error {
	return insights.ErrNotFound
}

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.next), nil
}

func newTestHandler(t *testing.T) (http.Handler, *stubSearcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.SetupJoinTable(&memories.Memory{}, "Tags", &memories.MemoryTag{}); err != nil {
		t.Fatalf("failed to set up join table: %v", err)
	}
	err = db.AutoMigrate(&memories.Memory{}, &memories.Version{}, &memories.Tag{}, &memories.Perspective{}, &audit.Log{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	memoryService, err := memories.NewService(memories.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct memory service: %v", err)
	}

	searcher := &stubSearcher{hits: []search.ScoredMemory{
		{ID: "memory-1", EncryptedContent: "hit", Similarity: 0.87},
	}}
	handler, err := NewHTTPHandler(Dependencies{
		Verifier: staticVerifier{},
		Users:    staticResolver{},
		Memories: memoryService,
		Search:   searcher,
		Insights: &stubInsights{analysis: insights.Analysis{Text: "analysis text", MemoriesAnalyzed: 1}},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler, searcher
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewReader(encoded)
	} else {
		payload = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestHealthzIsPublic(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := doRequest(t, handler, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := doRequest(t, handler, http.MethodGet, "/api/memories/", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/memories/", "garbage", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", recorder.Code)
	}
}

func TestAPIUnknownSubjectIs404(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := doRequest(t, handler, http.MethodGet, "/api/memories/", orphanToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subject, got %d", recorder.Code)
	}
}

func TestMemoryLifecycleOverHTTP(t *testing.T) {
	handler, _ := newTestHandler(t)

	created := doRequest(t, handler, http.MethodPost, "/api/memories/", validToken, map[string]any{
		"encrypted_content": "ciphertext-1",
		"encryption_key_id": "key-1",
		"year":              2003,
		"confidence_level":  7,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	memoryID := decodeBody(t, created)["memory"].(map[string]any)["id"].(string)

	listed := doRequest(t, handler, http.MethodGet, "/api/memories/", validToken, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.Code)
	}
	if total := decodeBody(t, listed)["total"].(float64); total != 1 {
		t.Fatalf("expected total 1, got %v", total)
	}

	updated := doRequest(t, handler, http.MethodPut, "/api/memories/"+memoryID, validToken, map[string]any{
		"encrypted_content": "ciphertext-2",
		"change_note":       "fixed wording",
	})
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", updated.Code, updated.Body.String())
	}
	if version := decodeBody(t, updated)["new_version"].(float64); version != 1 {
		t.Fatalf("expected version 1, got %v", version)
	}

	timeline := doRequest(t, handler, http.MethodGet, "/api/memories/"+memoryID+"/timeline", validToken, nil)
	if timeline.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", timeline.Code)
	}
	versions := decodeBody(t, timeline)["versions"].([]any)
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}

	deleted := doRequest(t, handler, http.MethodDelete, "/api/memories/"+memoryID, validToken, nil)
	if deleted.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", deleted.Code)
	}

	missing := doRequest(t, handler, http.MethodGet, "/api/memories/"+memoryID, validToken, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestCreateMemoryValidationErrors(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/memories/", validToken, map[string]any{
		"encryption_key_id": "key-1",
		"year":              2003,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if code := decodeBody(t, recorder)["code"]; code != "memories.create.missing_content" {
		t.Fatalf("unexpected error code: %v", code)
	}

	// Out-of-range metadata is rejected by the schema, also a 400.
	recorder = doRequest(t, handler, http.MethodPost, "/api/memories/", validToken, map[string]any{
		"encrypted_content": "ciphertext-1",
		"encryption_key_id": "key-1",
		"year":              2003,
		"confidence_level":  42,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for constraint violation, got %d", recorder.Code)
	}
}

func TestSemanticSearchEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/insights/search", validToken, map[string]any{
		"query": "lake house",
		"top_k": 5,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 hit, got %v", body["count"])
	}
	if body["query"] != "lake house" {
		t.Fatalf("unexpected echoed query: %v", body["query"])
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/insights/search", validToken, map[string]any{
		"query": "",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", recorder.Code)
	}
}

func TestSemanticSearchBindsLimit(t *testing.T) {
	handler, searcher := newTestHandler(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/insights/search", validToken, map[string]any{
		"query": "lake house",
		"limit": 3,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if searcher.lastTopK != 3 {
		t.Fatalf("expected limit 3 to reach the searcher, got %d", searcher.lastTopK)
	}

	// top_k stays accepted as an alias.
	recorder = doRequest(t, handler, http.MethodPost, "/api/insights/search", validToken, map[string]any{
		"query": "lake house",
		"top_k": 7,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if searcher.lastTopK != 7 {
		t.Fatalf("expected top_k 7 to reach the searcher, got %d", searcher.lastTopK)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/insights/analyze", validToken, map[string]any{
		"question": "what patterns do you see?",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["analysis"] != "analysis text" {
		t.Fatalf("unexpected analysis: %v", body["analysis"])
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/insights/analyze", validToken, map[string]any{
		"question": "",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty question, got %d", recorder.Code)
	}
}

func TestInsightFeedbackNotFound(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/insights/missing/feedback", validToken, map[string]any{
		"rating": 5,
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/insights/missing/dismiss", validToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestTagEndpoints(t *testing.T) {
	handler, _ := newTestHandler(t)

	created := doRequest(t, handler, http.MethodPost, "/api/tags/", validToken, map[string]any{
		"name":     "childhood",
		"tag_type": "life_period",
		"color":    "#336699",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	tagID := decodeBody(t, created)["tag"].(map[string]any)["id"].(string)

	duplicate := doRequest(t, handler, http.MethodPost, "/api/tags/", validToken, map[string]any{
		"name": "childhood",
	})
	if duplicate.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate tag, got %d", duplicate.Code)
	}

	listed := doRequest(t, handler, http.MethodGet, "/api/tags/", validToken, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.Code)
	}
	if tags := decodeBody(t, listed)["tags"].([]any); len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}

	deleted := doRequest(t, handler, http.MethodDelete, "/api/tags/"+tagID, validToken, nil)
	if deleted.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", deleted.Code)
	}
}
