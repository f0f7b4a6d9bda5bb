package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coreindex/coreindex/internal/chunk"
)

// ProgressFunc reports indexing progress in the wire format described by
// spec.md §4.O: current/total item counts, the file currently being
// processed, and an optional " | <rate> <unit>/s" info segment. total==0
// signals a status/setup message rather than real progress.
type ProgressFunc func(current, total int, filePath, info string)

// EmbedResult pairs an input chunk with its computed embedding (or the
// error that made the batch containing it fail). Results preserve input
// order regardless of how batches were scheduled.
type EmbedResult struct {
	Chunk      *chunk.Chunk
	Embedding  []float32
	TokensUsed int
	Err        error
}

// PoolOptions configures an EmbeddingWorkerPool run.
type PoolOptions struct {
	// Concurrency bounds the number of in-flight provider batches.
	Concurrency int
	// BatchSize is the number of chunks grouped per provider call.
	BatchSize int
	Retry     RetryConfig
	OnProgress ProgressFunc
}

// WorkerPool implements spec.md §4.I's EmbeddingWorkerPool: it splits
// chunks into provider-sized batches, dispatches them to workers bounded
// by provider concurrency, and collects (chunk, embedding, tokens_used)
// triples in input order.
type WorkerPool struct {
	embedder Embedder
}

// NewWorkerPool creates a pool backed by the given embedder.
func NewWorkerPool(embedder Embedder) *WorkerPool {
	return &WorkerPool{embedder: embedder}
}

// EmbedBatches embeds chunks concurrently and returns one EmbedResult per
// input chunk in the same order as chunks. A batch that exhausts its
// retries is marked failed on every chunk it contains (Err != nil); other
// batches continue regardless. The worker loop checks ctx between batch
// dispatches, so a cancellation leaves already-completed batches' results
// intact for the caller to persist.
func (p *WorkerPool) EmbedBatches(ctx context.Context, chunks []*chunk.Chunk, opts PoolOptions) ([]EmbedResult, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	retryCfg := opts.Retry
	if retryCfg.MaxRetries == 0 && retryCfg.InitialDelay == 0 {
		retryCfg = DefaultRetryConfig()
	}

	results := make([]EmbedResult, len(chunks))
	for i, c := range chunks {
		results[i] = EmbedResult{Chunk: c}
	}

	type batch struct {
		start, end int
	}
	var batches []batch
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, batch{start, end})
	}

	var (
		mu        sync.Mutex
		completed int
	)
	total := len(chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, b := range batches {
		b := b
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			texts := make([]string, b.end-b.start)
			for i := b.start; i < b.end; i++ {
				texts[i-b.start] = chunks[i].Content
			}

			embeddings, err := embedBatchWithRetry(gctx, p.embedder, texts, retryCfg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("embedding batch failed, marking chunks failed",
					slog.Int("batch_start", b.start), slog.Int("batch_end", b.end), slog.String("error", err.Error()))
				for i := b.start; i < b.end; i++ {
					results[i].Err = fmt.Errorf("provider_failed: %w", err)
				}
			} else {
				for i := b.start; i < b.end; i++ {
					results[i].Embedding = embeddings[i-b.start]
					results[i].TokensUsed = estimateTokens(chunks[i].Content)
				}
			}
			completed += (b.end - b.start)
			if opts.OnProgress != nil {
				fp := ""
				if b.end-1 >= 0 && b.end-1 < len(chunks) {
					fp = chunks[b.end-1].FilePath
				}
				opts.OnProgress(completed, total, fp, "")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// embedBatchWithRetry calls embedder.EmbedBatch with exponential backoff
// on provider-transient failures, bounded by cfg.MaxRetries.
func embedBatchWithRetry(ctx context.Context, embedder Embedder, texts []string, cfg RetryConfig) ([][]float32, error) {
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 16 * time.Second
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		embeddings, err := embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
		if attempt >= maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * mult)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

// estimateTokens is a best-effort token estimate (the Embedder interface
// does not surface provider-reported token counts).
func estimateTokens(text string) int {
	const charsPerToken = 4
	n := len(text) / charsPerToken
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
