package query

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/coreindex/coreindex/internal/cache"
	amanerrors "github.com/coreindex/coreindex/internal/errors"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

// Dependencies wires an Engine to the indexes it queries. Temporal is
// optional: a nil Temporal makes KindTemporal requests fail with
// collection_missing, matching spec.md §4.N's error condition for a
// collection that doesn't exist.
type Dependencies struct {
	RepoRoot    string
	Collection  *vectorstore.CollectionStore
	Temporal    *vectorstore.CollectionStore
	FTS         *ftsindex.Index
	Embedder    embed.Embedder
	Cache       *cache.PayloadCache
	PreviewSize int // 0 uses cache.DefaultPreviewSize
	Weights     Weights
	Metrics     *EngineMetrics // optional; nil disables recording
}

// Engine executes Requests against a project's indexes (spec.md §4.N).
type Engine struct {
	deps   Dependencies
	branch *BranchFilter
}

// NewEngine validates deps and resolves the current branch's reachable
// commit set once, up front -- branch filtering is read many times per
// query and git history doesn't change mid-process.
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Collection == nil {
		return nil, amanerrors.New(amanerrors.ErrCodeCollectionMissing, "query: no collection configured", nil)
	}
	if deps.FTS == nil {
		return nil, amanerrors.New(amanerrors.ErrCodeCollectionMissing, "query: no FTS index configured", nil)
	}
	if deps.Embedder == nil {
		return nil, amanerrors.New(amanerrors.ErrCodeInternal, "query: no embedder configured", nil)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(0, 0)
	}
	if deps.Weights == (Weights{}) {
		deps.Weights = DefaultWeights
	}
	return &Engine{deps: deps, branch: NewBranchFilter(deps.RepoRoot)}, nil
}

// Search dispatches req to the execution path for its Kind.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	if req.Query == "" {
		return Response{}, amanerrors.New(amanerrors.ErrCodeQueryEmpty, "query: empty query", nil)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	var (
		results []Result
		err     error
	)
	switch req.Kind {
	case KindSemantic:
		results, err = e.searchSemantic(ctx, req, limit)
	case KindFTS:
		results, err = e.searchFTS(ctx, req, limit)
	case KindHybrid:
		results, err = e.searchHybrid(ctx, req, limit)
	case KindTemporal:
		results, err = e.searchTemporal(ctx, req, limit)
	default:
		return Response{}, amanerrors.New(amanerrors.ErrCodeInvalidQuery, fmt.Sprintf("query: unknown kind %q", req.Kind), nil)
	}
	if err != nil {
		e.deps.Metrics.observe(req.Kind, time.Since(start))
		return Response{}, err
	}

	elapsed := time.Since(start)
	e.deps.Metrics.observe(req.Kind, elapsed)
	return Response{Results: results, Timing: elapsed}, nil
}

// rawSemantic embeds req.Query and runs CollectionStore.Search with
// ScoreThreshold set to req.MinScore (never dropped, even 0.0), then
// applies post-filters the collection search can't push down and,
// when applyBranch, branch-reachability filtering.
func (e *Engine) rawSemantic(ctx context.Context, coll *vectorstore.CollectionStore, req Request, limit int, applyBranch bool) ([]vectorstore.SearchResult, error) {
	if coll == nil {
		return nil, amanerrors.New(amanerrors.ErrCodeCollectionMissing, "query: collection not found", nil)
	}

	vec, err := e.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, amanerrors.New(amanerrors.ErrCodeEmbeddingFailed, "query: embed query text", err)
	}

	opts := vectorstore.SearchOptions{
		K:              limit,
		Filter:         payloadFilter(req.Filters),
		ScoreThreshold: req.MinScore,
	}
	raw, err := coll.Search(vec, opts)
	if err != nil {
		if stderrors.Is(err, vectorstore.ErrDimensionMismatch) {
			return nil, amanerrors.New(amanerrors.ErrCodeDimensionMismatch, "query: embedding dimension does not match collection", err)
		}
		return nil, amanerrors.New(amanerrors.ErrCodeSearchFailed, "query: semantic search", err)
	}

	filtered := raw[:0]
	for _, r := range raw {
		if applyBranch && !e.branch.Allow(r.Payload) {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// searchSemantic is the semantic execution path (spec.md §4.N).
func (e *Engine) searchSemantic(ctx context.Context, req Request, limit int) ([]Result, error) {
	raw, err := e.rawSemantic(ctx, e.deps.Collection, req, limit, true)
	if err != nil {
		return nil, err
	}
	return e.toResults(raw), nil
}

// searchFTS runs FTSIndex.search with filters; the index already returns
// hits sorted by score, so this only branch-filters and limits.
func (e *Engine) searchFTS(ctx context.Context, req Request, limit int) ([]Result, error) {
	hits, err := e.deps.FTS.Search(ctx, req.Query, metadataFilter(req.Filters), limit*5)
	if err != nil {
		return nil, amanerrors.New(amanerrors.ErrCodeSearchFailed, "query: fts search", err)
	}

	out := make([]Result, 0, limit)
	for _, h := range hits {
		if !e.branchAllowsMetadata(h.Metadata, h.Path) {
			continue
		}
		out = append(out, e.ftsHitToResult(h))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// searchHybrid runs both semantic and FTS searches, unions by path via
// Reciprocal Rank Fusion, branch-filters, and limits. Branch filtering
// and truncation happen once, after fusion, on the merged result set --
// not twice, once per source.
func (e *Engine) searchHybrid(ctx context.Context, req Request, limit int) ([]Result, error) {
	overfetch := limit * 5
	if overfetch < limit {
		overfetch = limit
	}

	semanticRaw, err := e.rawSemantic(ctx, e.deps.Collection, req, overfetch, false)
	if err != nil {
		return nil, err
	}

	ftsHits, err := e.deps.FTS.Search(ctx, req.Query, metadataFilter(req.Filters), overfetch)
	if err != nil {
		return nil, amanerrors.New(amanerrors.ErrCodeSearchFailed, "query: fts search", err)
	}

	fused := fuseHybrid(semanticRaw, ftsHits, e.deps.Weights)

	out := make([]Result, 0, limit)
	for _, h := range fused {
		if h.semantic != nil && !e.branch.Allow(h.semantic.Payload) {
			continue
		}
		if h.semantic == nil && h.fts != nil && !e.branchAllowsMetadata(h.fts.Metadata, h.fts.Path) {
			continue
		}
		out = append(out, e.mergeHybridHit(h))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// searchTemporal behaves like semantic search but against the temporal
// collection; at_commit and TimeRange filtering happen inside
// temporalFilter, pushed down alongside the path/language predicates.
func (e *Engine) searchTemporal(ctx context.Context, req Request, limit int) ([]Result, error) {
	if e.deps.Temporal == nil {
		return nil, amanerrors.New(amanerrors.ErrCodeCollectionMissing, "query: no temporal collection configured", nil)
	}

	vec, err := e.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, amanerrors.New(amanerrors.ErrCodeEmbeddingFailed, "query: embed query text", err)
	}

	opts := vectorstore.SearchOptions{
		K:              limit * 5,
		Filter:         temporalFilter(req.Filters),
		ScoreThreshold: req.MinScore,
	}
	raw, err := e.deps.Temporal.Search(vec, opts)
	if err != nil {
		if stderrors.Is(err, vectorstore.ErrDimensionMismatch) {
			return nil, amanerrors.New(amanerrors.ErrCodeDimensionMismatch, "query: embedding dimension does not match temporal collection", err)
		}
		return nil, amanerrors.New(amanerrors.ErrCodeSearchFailed, "query: temporal search", err)
	}
	if len(raw) > limit {
		raw = raw[:limit]
	}
	return e.toResults(raw), nil
}

func (e *Engine) branchAllowsMetadata(m ftsindex.Metadata, path string) bool {
	if !e.branch.available {
		return true
	}
	return e.branch.Allow(vectorstore.Payload{vectorstore.PayloadKeyPath: path})
}

func (e *Engine) toResults(raw []vectorstore.SearchResult) []Result {
	out := make([]Result, 0, len(raw))
	for _, r := range raw {
		out = append(out, Result{
			ID:      r.ID,
			Score:   r.Score,
			Payload: truncatePayload(r.Payload, e.deps.Cache, e.deps.PreviewSize),
		})
	}
	return out
}

func (e *Engine) ftsHitToResult(h ftsindex.SearchHit) Result {
	payload := make(vectorstore.Payload, len(h.Metadata)+2)
	for k, v := range h.Metadata {
		payload[k] = v
	}
	payload[vectorstore.PayloadKeyPath] = h.Path
	payload[vectorstore.PayloadKeyMatchText] = h.Metadata["content"]

	return Result{
		ID:           h.Path,
		Score:        h.Score,
		Payload:      truncatePayload(payload, e.deps.Cache, e.deps.PreviewSize),
		MatchedTerms: h.MatchedTerms,
	}
}

// mergeHybridHit builds the final Result for one fused union member,
// attaching FTS's matched-text/terms alongside the semantic payload when
// both sources contributed.
func (e *Engine) mergeHybridHit(h hybridHit) Result {
	if h.semantic != nil {
		payload := make(vectorstore.Payload, len(h.semantic.Payload)+1)
		for k, v := range h.semantic.Payload {
			payload[k] = v
		}
		var terms []string
		if h.fts != nil {
			payload[vectorstore.PayloadKeyMatchText] = h.fts.Metadata["content"]
			terms = h.fts.MatchedTerms
		}
		return Result{
			ID:           h.semantic.ID,
			Score:        hybridScore(h),
			Payload:      truncatePayload(payload, e.deps.Cache, e.deps.PreviewSize),
			MatchedTerms: terms,
		}
	}
	r := e.ftsHitToResult(*h.fts)
	r.Score = hybridScore(h)
	return r
}

// hybridScore reconstructs a display-facing blended score; the fusion's
// internal RRF score already determined ordering.
func hybridScore(h hybridHit) float64 {
	var s float64
	var n float64
	if h.semantic != nil {
		s += h.semantic.Score
		n++
	}
	if h.fts != nil {
		s += h.fts.Score
		n++
	}
	if n > 0 {
		s /= n
	}
	return s
}
