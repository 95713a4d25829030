package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestMockClientIsDeterministic(t *testing.T) {
	client := NewMockClient(64)

	first, err := client.EmbedDocument(context.Background(), "remember the lake house")
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}
	second, err := client.EmbedDocument(context.Background(), "remember the lake house")
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("component %d differs across runs", i)
		}
	}
}

func TestMockClientSeparatesDocumentAndQuerySpaces(t *testing.T) {
	client := NewMockClient(64)

	document, err := client.EmbedDocument(context.Background(), "same text")
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}
	query, err := client.EmbedQuery(context.Background(), "same text")
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}

	identical := true
	for i := range document {
		if document[i] != query[i] {
			identical = false
			break
		}
	}
	if identical {
		t.Fatalf("document and query vectors must differ for the same text")
	}
}

func TestMockClientEmitsUnitVectors(t *testing.T) {
	client := NewMockClient(128)
	vector, err := client.EmbedQuery(context.Background(), "normalize me")
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}
	if len(vector) != 128 {
		t.Fatalf("expected 128 components, got %d", len(vector))
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-3 {
		t.Fatalf("expected unit norm, got %f", math.Sqrt(norm))
	}
}

func TestMockClientRejectsEmptyInput(t *testing.T) {
	client := NewMockClient(16)
	if _, err := client.EmbedDocument(context.Background(), ""); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error, got %v", err)
	}
	if _, err := client.EmbedDocuments(context.Background(), nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error, got %v", err)
	}
}

func TestMockClientBatchMatchesSingle(t *testing.T) {
	client := NewMockClient(32)

	batch, err := client.EmbedDocuments(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}
	single, err := client.EmbedDocument(context.Background(), "two")
	if err != nil {
		t.Fatalf("unexpected embed error: %v", err)
	}
	for i := range single {
		if batch[1][i] != single[i] {
			t.Fatalf("batch vector must match single vector at component %d", i)
		}
	}
}
