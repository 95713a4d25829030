// Package backfill computes embeddings for memories that do not have one
// yet, in bulk. It exists because embeddings arrive best effort at write
// time and because the embedding model can change, invalidating stored
// vectors wholesale.
package backfill

import (
	"context"
	"errors"

	"github.com/recollect-app/recollect/backend/internal/memories"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BatchSize is the number of memories embedded per upstream request,
// within the embedding API's batch limit.
const BatchSize = 100

var (
	errMissingDatabase = errors.New("backfill: database handle is required")
	errMissingEmbedder = errors.New("backfill: embedder is required")
)

// BatchEmbedder embeds a batch of documents in submission order.
type BatchEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Runner performs the backfill.
type Runner struct {
	db        *gorm.DB
	embedder  BatchEmbedder
	batchSize int
	logger    *zap.Logger
}

// RunnerConfig describes the dependencies of the backfill runner.
type RunnerConfig struct {
	Database  *gorm.DB
	Embedder  BatchEmbedder
	BatchSize int
	Logger    *zap.Logger
}

// NewRunner validates dependencies and constructs a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Embedder == nil {
		return nil, errMissingEmbedder
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		db:        cfg.Database,
		embedder:  cfg.Embedder,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Result summarizes one backfill run.
type Result struct {
	Pending       int
	Embedded      int
	FailedBatches int
}

// Run embeds every memory lacking an embedding. Each batch commits in its
// own transaction; a failing batch is logged and rolled back without
// stopping the batches after it, so progress is retained batch by batch.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var pending []memories.Memory
	err := r.db.WithContext(ctx).
		Where("embedding IS NULL").
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return Result{}, err
	}

	result := Result{Pending: len(pending)}
	if len(pending) == 0 {
		r.logger.Info("backfill: nothing to do")
		return result, nil
	}

	totalBatches := (len(pending) + r.batchSize - 1) / r.batchSize
	r.logger.Info("backfill: starting",
		zap.Int("pending", len(pending)),
		zap.Int("batches", totalBatches))

	for start := 0; start < len(pending); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := start + r.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		batchNumber := start/r.batchSize + 1

		if err := r.processBatch(ctx, batch); err != nil {
			result.FailedBatches++
			r.logger.Error("backfill: batch failed",
				zap.Int("batch", batchNumber),
				zap.Int("size", len(batch)),
				zap.Error(err))
			continue
		}
		result.Embedded += len(batch)
		r.logger.Info("backfill: batch complete",
			zap.Int("batch", batchNumber),
			zap.Int("of", totalBatches))
	}
	return result, nil
}

// processBatch embeds one batch and assigns vectors back positionally. The
// embedding API returns vectors in submission order; the count check guards
// that contract before any assignment happens.
func (r *Runner) processBatch(ctx context.Context, batch []memories.Memory) error {
	texts := make([]string, 0, len(batch))
	for _, memory := range batch {
		texts = append(texts, memory.EncryptedContent)
	}

	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return errors.New("backfill: embedding count does not match batch size")
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, memory := range batch {
			err := tx.Model(&memories.Memory{}).
				Where("id = ?", memory.ID).
				Update("embedding", memories.Vector(vectors[i])).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
