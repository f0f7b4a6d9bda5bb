package index

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/coreindex/coreindex/internal/chunk"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/progressive"
	"github.com/coreindex/coreindex/internal/vectorstore"
	"github.com/coreindex/coreindex/internal/walker"
)

// Mode selects the Indexer's file-selection strategy (spec.md §4.M).
type Mode string

const (
	// ModeClear deletes the collection wholly, recreates it, and proceeds
	// as a full index.
	ModeClear Mode = "clear"
	// ModeReconcile walks disk, diffs against the payload set by path and
	// mtime, deletes removed files, and upserts new/modified ones.
	ModeReconcile Mode = "reconcile"
	// ModeIncremental processes only files not already in the completed
	// set, skipping the rest.
	ModeIncremental Mode = "incremental"
	// ModeResume has the same effect as ModeIncremental but signals a
	// resumed session to the caller (Result.Resumed).
	ModeResume Mode = "resume"
)

// CollectionFactory recreates the destination collection from scratch.
// Only invoked by ModeClear; injected so callers control where and how
// the collection is rebuilt (directory, dimensions, provider/model).
type CollectionFactory func() (*vectorstore.CollectionStore, error)

// Dependencies wires an Indexer to its pipeline stages and backing
// stores. Every field is required except RecreateCollection (only needed
// for ModeClear) and OnProgress.
type Dependencies struct {
	RepoRoot      string
	Walker        *walker.Walker
	WalkerOptions walker.Options

	Chunker     chunk.Chunker
	Pool        *embed.WorkerPool
	PoolOptions embed.PoolOptions

	Collection         *vectorstore.CollectionStore
	RecreateCollection CollectionFactory

	FTS *ftsindex.Index

	ProgressPath string
	Fingerprint  progressive.Fingerprint

	// BatchSize is the number of files grouped per pipeline batch
	// (spec.md §4.M's "group files_todo into batches of B"). Defaults to
	// DefaultBatchSize.
	BatchSize int

	OnProgress embed.ProgressFunc
}

// DefaultBatchSize is the default number of files processed per batch
// when Dependencies.BatchSize is unset.
const DefaultBatchSize = 50

// Result summarizes one Indexer.Run invocation.
type Result struct {
	FilesIndexed  int
	FilesDeleted  int
	FilesFailed   int
	ChunksIndexed int
	Resumed       bool
	Duration      time.Duration
}

// Indexer implements spec.md §4.M: walk, filter by mode, batch, and for
// each batch read+chunk, embed, then persist to CollectionStore and
// FTSIndex while checkpointing ProgressiveMetadata. A crash mid-run loses
// at most the in-flight batch; everything before it is durable.
type Indexer struct {
	deps Dependencies
}

// NewIndexer validates deps and returns an Indexer.
func NewIndexer(deps Dependencies) (*Indexer, error) {
	if deps.Walker == nil {
		return nil, fmt.Errorf("index: walker is required")
	}
	if deps.Chunker == nil {
		return nil, fmt.Errorf("index: chunker is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("index: worker pool is required")
	}
	if deps.Collection == nil {
		return nil, fmt.Errorf("index: collection is required")
	}
	if deps.FTS == nil {
		return nil, fmt.Errorf("index: fts index is required")
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = DefaultBatchSize
	}
	return &Indexer{deps: deps}, nil
}

// Run executes one indexing session in the given mode.
func (ix *Indexer) Run(ctx context.Context, mode Mode, sessionID string) (Result, error) {
	start := time.Now()
	var result Result

	if mode == ModeClear {
		if ix.deps.RecreateCollection == nil {
			return result, fmt.Errorf("index: clear mode requires RecreateCollection")
		}
		coll, err := ix.deps.RecreateCollection()
		if err != nil {
			return result, fmt.Errorf("index: recreate collection: %w", err)
		}
		ix.deps.Collection = coll
	}

	meta, err := progressive.LoadOrCreate(ix.deps.ProgressPath, sessionID, operationFor(mode), ix.deps.Fingerprint, time.Now())
	if err != nil {
		return result, err
	}
	result.Resumed = mode == ModeResume && len(meta.CompletedFiles) > 0

	files, err := ix.walkFiles(ctx)
	if err != nil {
		return result, err
	}

	var (
		todo              []*walker.File
		existingIDsByPath map[string][]string
	)
	switch mode {
	case ModeReconcile:
		todo, existingIDsByPath, result.FilesDeleted, err = ix.reconcileDiff(files)
		if err != nil {
			return result, err
		}
	case ModeIncremental, ModeResume:
		for _, f := range files {
			if !meta.IsFileCompleted(f.Path) {
				todo = append(todo, f)
			}
		}
	default: // ModeClear
		todo = files
	}

	meta.FilesTotal = len(todo)

	for _, batch := range batchFiles(todo, ix.deps.BatchSize) {
		if err := ctx.Err(); err != nil {
			_ = ix.deps.FTS.Commit()
			_ = meta.Save(ix.deps.ProgressPath)
			return result, err
		}

		processed, chunksWritten, failed, err := ix.processBatch(ctx, batch, meta, existingIDsByPath)
		result.FilesIndexed += processed
		result.ChunksIndexed += chunksWritten
		result.FilesFailed += failed
		if err != nil {
			_ = ix.deps.FTS.Commit()
			_ = meta.Save(ix.deps.ProgressPath)
			return result, err
		}

		if err := ix.deps.FTS.Commit(); err != nil {
			return result, fmt.Errorf("index: fts commit: %w", err)
		}
		if err := meta.Save(ix.deps.ProgressPath); err != nil {
			return result, err
		}
	}

	meta.MarkComplete(time.Now())
	if err := meta.Save(ix.deps.ProgressPath); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	return result, nil
}

func operationFor(mode Mode) progressive.OperationType {
	if mode == ModeReconcile {
		return progressive.OperationReindex
	}
	return progressive.OperationIndex
}

// walkFiles drains the FileWalker's result channel into a slice. Entries
// that errored during the walk are logged and skipped rather than
// aborting the whole run.
func (ix *Indexer) walkFiles(ctx context.Context) ([]*walker.File, error) {
	results, err := ix.deps.Walker.Walk(ctx, ix.deps.RepoRoot, ix.deps.WalkerOptions)
	if err != nil {
		return nil, fmt.Errorf("index: walk: %w", err)
	}
	var files []*walker.File
	for res := range results {
		if res.Error != nil {
			slog.Warn("index: walk error, skipping entry", slog.String("error", res.Error.Error()))
			continue
		}
		files = append(files, res.File)
	}
	return files, nil
}

// reconcileDiff compares the current file walk against the collection's
// existing payload set (by path, diffing mtime), deleting points and FTS
// documents for files no longer present on disk and returning the files
// that are new or changed for re-indexing, plus the prior point ids for
// every path still present (so stale chunks from a shrunk file are
// removed before the new chunks are upserted).
func (ix *Indexer) reconcileDiff(files []*walker.File) (todo []*walker.File, idsByPath map[string][]string, deletedFiles int, err error) {
	mtimes := make(map[string]string)
	idsByPath = make(map[string][]string)

	err = ix.deps.Collection.IterPayloads(func(id string, p vectorstore.Payload) error {
		path := payloadPath(p)
		if path == "" {
			return nil
		}
		idsByPath[path] = append(idsByPath[path], id)
		if mt, ok := p[vectorstore.PayloadKeyFileMtime].(string); ok {
			mtimes[path] = mt
		}
		return nil
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("index: iterate payloads: %w", err)
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
		existing, ok := mtimes[f.Path]
		if !ok || existing != f.ModTime.UTC().Format(time.RFC3339) {
			todo = append(todo, f)
		}
	}

	var idsToDelete []string
	deletedSet := make(map[string]bool)
	for path, ids := range idsByPath {
		if !present[path] {
			deletedSet[path] = true
			idsToDelete = append(idsToDelete, ids...)
		}
	}
	if len(idsToDelete) > 0 {
		if derr := ix.deps.Collection.DeletePoints(idsToDelete); derr != nil {
			return nil, nil, 0, fmt.Errorf("index: delete stale points: %w", derr)
		}
		if _, ferr := ix.deps.FTS.DeleteDocuments(context.Background(), func(m ftsindex.Metadata) bool {
			return deletedSet[m["path"]]
		}); ferr != nil {
			return nil, nil, 0, fmt.Errorf("index: delete stale fts documents: %w", ferr)
		}
		deletedFiles = len(deletedSet)
	}

	return todo, idsByPath, deletedFiles, nil
}

func payloadPath(p vectorstore.Payload) string {
	if path, ok := p[vectorstore.PayloadKeyFilePath].(string); ok && path != "" {
		return path
	}
	if path, ok := p[vectorstore.PayloadKeyPath].(string); ok {
		return path
	}
	return ""
}

type fileChunks struct {
	file   *walker.File
	chunks []*chunk.Chunk
}

// processBatch reads, chunks, embeds and persists one batch of files.
// existingIDsByPath, when non-nil (reconcile mode), names prior point ids
// to delete before a changed file's new chunks are upserted.
func (ix *Indexer) processBatch(ctx context.Context, batch []*walker.File, meta *progressive.Metadata, existingIDsByPath map[string][]string) (processed, chunksWritten, failed int, err error) {
	var allChunks []*chunk.Chunk
	chunkFile := make(map[*chunk.Chunk]*walker.File)
	var fcs []fileChunks

	for _, f := range batch {
		if cerr := ctx.Err(); cerr != nil {
			return processed, chunksWritten, failed, cerr
		}

		content, rerr := os.ReadFile(f.AbsPath)
		if rerr != nil {
			slog.Warn("index: read failed, skipping file", slog.String("path", f.Path), slog.String("error", rerr.Error()))
			meta.MarkFileFailed(f.Path, time.Now())
			failed++
			continue
		}

		fi := &chunk.FileInput{Path: f.Path, Content: content, Language: f.Language, ContentType: chunk.ContentType(f.ContentType)}
		cks, cerr := ix.deps.Chunker.Chunk(ctx, fi)
		if cerr != nil {
			slog.Warn("index: chunk failed, skipping file", slog.String("path", f.Path), slog.String("error", cerr.Error()))
			meta.MarkFileFailed(f.Path, time.Now())
			failed++
			continue
		}

		for _, ck := range cks {
			allChunks = append(allChunks, ck)
			chunkFile[ck] = f
		}
		fcs = append(fcs, fileChunks{file: f, chunks: cks})
	}

	if len(allChunks) == 0 {
		return processed, chunksWritten, failed, nil
	}

	results, eerr := ix.deps.Pool.EmbedBatches(ctx, allChunks, ix.deps.PoolOptions)
	if eerr != nil {
		return processed, chunksWritten, failed, fmt.Errorf("index: embed batches: %w", eerr)
	}

	pointsByPath := make(map[string][]vectorstore.Point)
	failedPaths := make(map[string]bool)
	for _, res := range results {
		f := chunkFile[res.Chunk]
		if res.Err != nil {
			slog.Warn("index: embedding failed, file marked failed",
				slog.String("path", f.Path), slog.String("error", res.Err.Error()))
			failedPaths[f.Path] = true
			continue
		}
		pointsByPath[f.Path] = append(pointsByPath[f.Path], chunkPoint(f, res))
	}

	var ftsDocs []ftsindex.Document
	for _, fc := range fcs {
		if failedPaths[fc.file.Path] {
			meta.MarkFileFailed(fc.file.Path, time.Now())
			failed++
			continue
		}

		if existingIDsByPath != nil {
			if oldIDs := existingIDsByPath[fc.file.Path]; len(oldIDs) > 0 {
				if derr := ix.deps.Collection.DeletePoints(oldIDs); derr != nil {
					return processed, chunksWritten, failed, fmt.Errorf("index: delete stale points for %s: %w", fc.file.Path, derr)
				}
			}
		}

		points := pointsByPath[fc.file.Path]
		if len(points) > 0 {
			if uerr := ix.deps.Collection.UpsertPoints(points); uerr != nil {
				return processed, chunksWritten, failed, fmt.Errorf("index: upsert points for %s: %w", fc.file.Path, uerr)
			}
		}

		ftsDocs = append(ftsDocs, ftsindex.Document{
			Path:    fc.file.Path,
			Content: joinChunkContents(fc.chunks),
			Metadata: ftsindex.Metadata{
				"path":     fc.file.Path,
				"language": fc.file.Language,
			},
		})

		meta.MarkFileCompleted(fc.file.Path, len(points), time.Now())
		processed++
		chunksWritten += len(points)

		if ix.deps.OnProgress != nil {
			ix.deps.OnProgress(processed, len(batch), fc.file.Path, "")
		}
	}

	if len(ftsDocs) > 0 {
		if aerr := ix.deps.FTS.AddDocuments(ctx, ftsDocs); aerr != nil {
			return processed, chunksWritten, failed, fmt.Errorf("index: fts add documents: %w", aerr)
		}
	}

	return processed, chunksWritten, failed, nil
}

func batchFiles(files []*walker.File, size int) [][]*walker.File {
	var batches [][]*walker.File
	for i := 0; i < len(files); i += size {
		end := i + size
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[i:end])
	}
	return batches
}

func joinChunkContents(chunks []*chunk.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Content)
	}
	return b.String()
}

func chunkPointID(path string, chunkIndex int) string {
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%x:%d", sum[:8], chunkIndex)
}

func chunkPoint(f *walker.File, res embed.EmbedResult) vectorstore.Point {
	return vectorstore.Point{
		ID:     chunkPointID(f.Path, res.Chunk.ChunkIndex),
		Vector: res.Embedding,
		Payload: vectorstore.Payload{
			vectorstore.PayloadKeyFilePath:   f.Path,
			vectorstore.PayloadKeyPath:       f.Path,
			vectorstore.PayloadKeyContent:    res.Chunk.Content,
			vectorstore.PayloadKeyLanguage:   f.Language,
			vectorstore.PayloadKeyLineStart:  res.Chunk.LineStart,
			vectorstore.PayloadKeyLineEnd:    res.Chunk.LineEnd,
			vectorstore.PayloadKeyChunkIndex: res.Chunk.ChunkIndex,
			vectorstore.PayloadKeyFileMtime:  f.ModTime.UTC().Format(time.RFC3339),
			vectorstore.PayloadKeyType:       "code",
		},
	}
}
