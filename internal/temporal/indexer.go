// Package temporal implements TemporalIndexer (spec.md §4.K): it walks a
// git repository's commit history in chronological order, deduplicates
// file content by blob hash, and routes newly-seen blobs through the
// Chunker and EmbeddingWorkerPool into a CollectionStore, tagging every
// point with the commit it came from.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/coreindex/coreindex/internal/chunk"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

// Additional payload keys beyond vectorstore's reserved set (spec.md §4.K
// lists these alongside blob_hash/commit_hash/file_path).
const (
	PayloadKeyCommitDate  = "commit_date"
	PayloadKeyAuthorName  = "author_name"
	PayloadKeyAuthorEmail = "author_email"
)

const (
	pointTypePrimary   = "primary"
	pointTypeReference = "reference"
)

// SelectionMode names a commit-selection strategy.
type SelectionMode string

const (
	// SelectionAll walks every commit reachable from any ref.
	SelectionAll SelectionMode = "all"
	// SelectionSince walks every commit reachable from any ref whose
	// author time is not before Since.
	SelectionSince SelectionMode = "since"
	// SelectionList processes exactly the named commit hashes.
	SelectionList SelectionMode = "list"
)

// CommitSelection chooses which commits a Run processes.
type CommitSelection struct {
	Mode   SelectionMode
	Since  time.Time
	Hashes []string
}

// ErrUnknownSelectionMode is returned when a CommitSelection names a mode
// Run does not recognize.
var ErrUnknownSelectionMode = errors.New("temporal: unknown commit selection mode")

// Stats summarizes one Run invocation.
type Stats struct {
	CommitsProcessed  int
	BlobsEmbedded     int
	ReferencesWritten int
	FailedCommits     []string
}

// Options configures an Indexer.
type Options struct {
	ChunkOptions chunk.Options
	PoolOptions  embed.PoolOptions
	// ProgressPath, if set, is where Run persists TemporalProgress after
	// each commit completes. Empty disables durable checkpointing (the
	// caller owns Save entirely).
	ProgressPath string
	OnProgress   embed.ProgressFunc
}

// Indexer is a TemporalIndexer bound to one git repository and one
// destination collection.
type Indexer struct {
	repo       *git.Repository
	chunker    chunk.Chunker
	pool       *embed.WorkerPool
	collection *vectorstore.CollectionStore

	poolOpts     embed.PoolOptions
	progressPath string
	onProgress   embed.ProgressFunc
}

// NewIndexer opens repoRoot as a git repository and returns an Indexer
// that embeds via embedder and persists into collection.
func NewIndexer(repoRoot string, embedder embed.Embedder, collection *vectorstore.CollectionStore, opts Options) (*Indexer, error) {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("temporal: open repository %s: %w", repoRoot, err)
	}

	chunkOpts := opts.ChunkOptions
	if chunkOpts.ChunkSizeChars <= 0 {
		chunkOpts = chunk.DefaultOptions()
	}

	return &Indexer{
		repo:         repo,
		chunker:      chunk.NewFixedSizeChunker(chunkOpts),
		pool:         embed.NewWorkerPool(embedder),
		collection:   collection,
		poolOpts:     opts.PoolOptions,
		progressPath: opts.ProgressPath,
		onProgress:   opts.OnProgress,
	}, nil
}

// fileBlob is one (path, blob hash) tuple as it existed in a given commit.
type fileBlob struct {
	path string
	hash string
}

// blobChunkVector caches a chunk and its embedding so a later commit
// referencing the same blob hash within this Run can write a reference
// point without calling the embedder again.
type blobChunkVector struct {
	chunk  *chunk.Chunk
	vector []float32
}

// Run walks the commits selected by sel in chronological order and
// indexes every blob not already present in progress.CompletedBlobs.
// Progress is updated and (if ProgressPath is set) flushed after each
// commit completes, so a crash mid-run loses at most one commit's worth
// of work.
func (ix *Indexer) Run(ctx context.Context, sel CommitSelection, progress *TemporalProgress) (Stats, error) {
	var stats Stats

	commits, err := ix.resolveCommits(sel)
	if err != nil {
		return stats, err
	}
	progress.TotalCommits = len(commits)

	runCache := make(map[string][]blobChunkVector)

	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		hash := c.Hash.String()
		if progress.IsCommitCompleted(hash) {
			continue
		}

		blobs, err := commitFileBlobs(c)
		if err != nil {
			slog.Warn("temporal: skipping commit, tree unreadable",
				slog.String("commit", hash), slog.String("error", err.Error()))
			stats.FailedCommits = append(stats.FailedCommits, hash)
			continue
		}

		written, err := ix.processCommit(ctx, c, blobs, progress, runCache)
		if err != nil {
			return stats, fmt.Errorf("temporal: commit %s: %w", hash, err)
		}
		stats.BlobsEmbedded += written.primary
		stats.ReferencesWritten += written.reference

		progress.MarkCommitCompleted(hash)
		progress.LastCommit = hash
		stats.CommitsProcessed++

		if ix.onProgress != nil {
			ix.onProgress(stats.CommitsProcessed, len(commits), hash, "")
		}
		if ix.progressPath != "" {
			if err := progress.Save(ix.progressPath); err != nil {
				return stats, err
			}
		}
	}

	ix.markIndexedBranches(progress)
	if ix.progressPath != "" {
		if err := progress.Save(ix.progressPath); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

type commitWriteCounts struct {
	primary   int
	reference int
}

// processCommit embeds every newly-seen blob in the commit and writes
// reference points for blobs this Run already embedded for an earlier
// commit. A commit's blobs are fully upserted before the caller marks it
// completed (invariant in spec.md §5).
func (ix *Indexer) processCommit(ctx context.Context, c *object.Commit, blobs []fileBlob, progress *TemporalProgress, runCache map[string][]blobChunkVector) (commitWriteCounts, error) {
	var counts commitWriteCounts

	var newBlobs []fileBlob
	var refPoints []vectorstore.Point
	seen := make(map[string]bool)

	for _, fb := range blobs {
		if seen[fb.hash] {
			continue
		}
		seen[fb.hash] = true

		if progress.IsBlobCompleted(fb.hash) {
			for _, cv := range runCache[fb.hash] {
				refPoints = append(refPoints, referencePoint(c, fb, cv))
			}
			continue
		}
		newBlobs = append(newBlobs, fb)
	}

	if len(refPoints) > 0 {
		if err := ix.collection.UpsertPoints(refPoints); err != nil {
			return counts, fmt.Errorf("upsert reference points: %w", err)
		}
		counts.reference = len(refPoints)
	}

	if len(newBlobs) == 0 {
		return counts, nil
	}

	var chunks []*chunk.Chunk
	blobOf := make(map[*chunk.Chunk]fileBlob)
	for _, fb := range newBlobs {
		content, err := blobContent(c, fb.path)
		if err != nil {
			slog.Warn("temporal: blob read failed, skipping file",
				slog.String("path", fb.path), slog.String("blob", fb.hash), slog.String("error", err.Error()))
			continue
		}

		fi := &chunk.FileInput{Path: fb.path, Content: content, ContentType: chunk.ContentTypeCode}
		cks, err := ix.chunker.Chunk(ctx, fi)
		if err != nil {
			slog.Warn("temporal: chunking failed, skipping file",
				slog.String("path", fb.path), slog.String("error", err.Error()))
			continue
		}
		for _, ck := range cks {
			chunks = append(chunks, ck)
			blobOf[ck] = fb
		}
	}

	if len(chunks) == 0 {
		for _, fb := range newBlobs {
			progress.MarkBlobCompleted(fb.hash)
		}
		return counts, nil
	}

	results, err := ix.pool.EmbedBatches(ctx, chunks, ix.poolOpts)
	if err != nil {
		return counts, fmt.Errorf("embed batches: %w", err)
	}

	var primaryPoints []vectorstore.Point
	embeddedBlobs := make(map[string]bool)
	for _, res := range results {
		fb := blobOf[res.Chunk]
		if res.Err != nil {
			slog.Warn("temporal: embedding failed for chunk, skipping",
				slog.String("path", fb.path), slog.String("blob", fb.hash), slog.String("error", res.Err.Error()))
			continue
		}
		primaryPoints = append(primaryPoints, primaryPoint(c, fb, res))
		runCache[fb.hash] = append(runCache[fb.hash], blobChunkVector{chunk: res.Chunk, vector: res.Embedding})
		embeddedBlobs[fb.hash] = true
	}

	if len(primaryPoints) > 0 {
		if err := ix.collection.UpsertPoints(primaryPoints); err != nil {
			return counts, fmt.Errorf("upsert primary points: %w", err)
		}
	}
	counts.primary = len(primaryPoints)

	for hash := range embeddedBlobs {
		progress.MarkBlobCompleted(hash)
	}

	return counts, nil
}

// resolveCommits returns the commits named by sel, oldest-first.
func (ix *Indexer) resolveCommits(sel CommitSelection) ([]*object.Commit, error) {
	var commits []*object.Commit

	switch sel.Mode {
	case SelectionList:
		for _, h := range sel.Hashes {
			c, err := ix.repo.CommitObject(plumbing.NewHash(h))
			if err != nil {
				return nil, fmt.Errorf("temporal: resolve commit %s: %w", h, err)
			}
			commits = append(commits, c)
		}

	case SelectionAll, SelectionSince:
		iter, err := ix.repo.Log(&git.LogOptions{All: true, Order: git.LogOrderCommitterTime})
		if err != nil {
			return nil, fmt.Errorf("temporal: log: %w", err)
		}
		err = iter.ForEach(func(c *object.Commit) error {
			if sel.Mode == SelectionSince && c.Author.When.Before(sel.Since) {
				return nil
			}
			commits = append(commits, c)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("temporal: walk commits: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSelectionMode, sel.Mode)
	}

	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Author.When.Before(commits[j].Author.When)
	})
	return commits, nil
}

// markIndexedBranches records every branch whose current tip has already
// been completed. Branch-switch catch-up (walking a branch's unindexed
// tip) is the watcher's job (spec.md §4.Q); this only tags branches that
// are already fully covered by completed commits.
func (ix *Indexer) markIndexedBranches(progress *TemporalProgress) {
	branches, err := ix.repo.Branches()
	if err != nil {
		return
	}
	_ = branches.ForEach(func(ref *plumbing.Reference) error {
		if progress.IsCommitCompleted(ref.Hash().String()) {
			progress.AddIndexedBranch(ref.Name().Short())
		}
		return nil
	})
}

// commitFileBlobs lists every (path, blob hash) tuple in c's tree. A full
// tree walk is used for every commit, not just the root commit: the
// blob-hash dedup layer above already makes incremental tree diffing a
// pure performance optimization rather than a correctness requirement,
// and the full walk is the one pattern exercised identically for every
// commit shape (root or not).
func commitFileBlobs(c *object.Commit) ([]fileBlob, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("commit tree: %w", err)
	}

	var out []fileBlob
	err = tree.Files().ForEach(func(f *object.File) error {
		out = append(out, fileBlob{path: f.Name, hash: f.Blob.Hash.String()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}
	return out, nil
}

// blobContent reads path's content as it existed in commit c.
func blobContent(c *object.Commit, path string) ([]byte, error) {
	f, err := c.File(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read contents %s: %w", path, err)
	}
	return []byte(content), nil
}

func pointID(commitHash, blobHash string, chunkIndex int) string {
	return fmt.Sprintf("temporal:%s:%s:%d", commitHash, blobHash, chunkIndex)
}

func basePayload(c *object.Commit, fb fileBlob, ck *chunk.Chunk, kind string) vectorstore.Payload {
	return vectorstore.Payload{
		vectorstore.PayloadKeyFilePath:   fb.path,
		vectorstore.PayloadKeyContent:    ck.Content,
		vectorstore.PayloadKeyLanguage:   ck.Language,
		vectorstore.PayloadKeyLineStart:  ck.LineStart,
		vectorstore.PayloadKeyLineEnd:    ck.LineEnd,
		vectorstore.PayloadKeyChunkIndex: ck.ChunkIndex,
		vectorstore.PayloadKeyBlobHash:   fb.hash,
		vectorstore.PayloadKeyCommitHash: c.Hash.String(),
		vectorstore.PayloadKeyType:       kind,
		PayloadKeyCommitDate:             c.Author.When.UTC().Format(time.RFC3339),
		PayloadKeyAuthorName:             c.Author.Name,
		PayloadKeyAuthorEmail:            c.Author.Email,
	}
}

func primaryPoint(c *object.Commit, fb fileBlob, res embed.EmbedResult) vectorstore.Point {
	return vectorstore.Point{
		ID:      pointID(c.Hash.String(), fb.hash, res.Chunk.ChunkIndex),
		Vector:  res.Embedding,
		Payload: basePayload(c, fb, res.Chunk, pointTypePrimary),
	}
}

func referencePoint(c *object.Commit, fb fileBlob, cv blobChunkVector) vectorstore.Point {
	return vectorstore.Point{
		ID:      pointID(c.Hash.String(), fb.hash, cv.chunk.ChunkIndex),
		Vector:  cv.vector,
		Payload: basePayload(c, fb, cv.chunk, pointTypeReference),
	}
}
