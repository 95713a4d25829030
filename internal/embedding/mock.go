package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockClient produces deterministic unit vectors derived from the text hash.
// It exists for tests and offline development; vectors are stable across
// runs so similarity comparisons stay repeatable.
type MockClient struct {
	dimension int
}

// NewMockClient constructs a mock client emitting vectors of the given width.
func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = 1024
	}
	return &MockClient{dimension: dimension}
}

// EmbedDocument implements Client.
func (m *MockClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return m.generate(text, InputTypeDocument)
}

// EmbedQuery implements Client.
func (m *MockClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return m.generate(text, InputTypeQuery)
}

// EmbedDocuments implements Client.
func (m *MockClient) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := m.generate(text, InputTypeDocument)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

// generate seeds a linear congruential generator with the text hash. The
// input type is folded into the seed so document and query vectors for the
// same text differ, mirroring the asymmetric production model.
func (m *MockClient) generate(text, inputType string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	h := fnv.New64a()
	h.Write([]byte(inputType))
	h.Write([]byte(text))
	seed := h.Sum64()

	vector := make([]float32, m.dimension)
	var norm float64
	for i := range vector {
		seed = seed*6364136223846793005 + 1442695040888963407
		value := float64(int64(seed)) / float64(math.MaxInt64)
		vector[i] = float32(value)
		norm += value * value
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}
