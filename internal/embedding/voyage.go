package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultEndpoint = "https://api.voyageai.com/v1/embeddings"
	defaultModel    = "voyage-large-2-instruct"
	defaultTimeout  = 15 * time.Second

	maxAttempts   = 3
	baseRetryWait = 200 * time.Millisecond
)

// VoyageConfig configures the Voyage AI embeddings client.
type VoyageConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// VoyageClient calls the Voyage AI embeddings REST API. Requests carry a
// deadline, transient failures (network errors, 5xx) are retried with
// exponential backoff, and a circuit breaker sheds load once the upstream
// is persistently failing. 4xx responses are terminal.
type VoyageClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewVoyageClient constructs a client with validated configuration.
func NewVoyageClient(cfg VoyageConfig) (*VoyageClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("embedding: api key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "voyage-embeddings",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &VoyageClient{
		apiKey:     cfg.APIKey,
		model:      model,
		endpoint:   endpoint,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// EmbedDocument embeds stored content.
func (c *VoyageClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, InputTypeDocument)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedQuery embeds a search query.
func (c *VoyageClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, InputTypeQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments embeds a batch of stored content in submission order.
func (c *VoyageClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, InputTypeDocument)
}

type embedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *VoyageClient) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	// A blank element would desync response positions from the submitted
	// slice, so the whole batch is rejected up front.
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: blank text at index %d", ErrEmptyInput, i)
		}
	}

	body, err := json.Marshal(embedRequest{Input: texts, Model: c.model, InputType: inputType})
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.requestWithRetry(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	parsed := result.(*embedResponse)
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", ErrUpstream, len(texts), len(parsed.Data))
	}

	// The API returns vectors tagged with their submission index; sorting by
	// it keeps the positional contract even if the response order drifts.
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

func (c *VoyageClient) requestWithRetry(ctx context.Context, body []byte) (*embedResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := baseRetryWait << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		parsed, retryable, err := c.requestOnce(ctx, body)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn("embedding request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

func (c *VoyageClient) requestOnce(ctx context.Context, body []byte) (*embedResponse, bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Network-level failures are transient until proven otherwise.
		return nil, true, err
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return nil, true, err
	}

	switch {
	case response.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
	case response.StatusCode >= 400:
		return nil, false, fmt.Errorf("%w: status %d: %s", ErrUpstream, response.StatusCode, truncateBody(payload))
	}

	parsed := &embedResponse{}
	if err := json.Unmarshal(payload, parsed); err != nil {
		return nil, false, fmt.Errorf("%w: malformed response: %v", ErrUpstream, err)
	}
	return parsed, false, nil
}

func truncateBody(payload []byte) string {
	const limit = 256
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "..."
}
