// Package embedding wraps the remote embedding API. Documents and queries
// are embedded with distinct input types because the model is asymmetric:
// query vectors are optimized for retrieval against document vectors.
package embedding

import (
	"context"
	"errors"
)

// Input types accepted by the embedding API.
const (
	InputTypeDocument = "document"
	InputTypeQuery    = "query"
)

var (
	// ErrEmptyInput indicates there was no text to embed.
	ErrEmptyInput = errors.New("embedding: empty input")
	// ErrUpstream indicates the embedding service failed after retries.
	ErrUpstream = errors.New("embedding: upstream failure")
)

// Client computes fixed-length embedding vectors for text.
type Client interface {
	// EmbedDocument embeds stored content (document input type).
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery embeds a search query (query input type).
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments embeds a batch of stored content. The returned vectors
	// correspond positionally to the submitted texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}
