// Package ftsindex implements the full-text search index contract from
// spec.md §4.J: open_or_create, add_document, delete_documents, search,
// commit, meta_exists. It is adapted from the teacher's
// internal/store.BleveBM25Index, keeping its corruption-detection and
// custom code-aware analyzer, generalized from a fixed chunk-ID-keyed
// BM25 index into a path-addressed index carrying arbitrary metadata
// (branch, commit hash, language, ...) usable for post-search filtering.
package ftsindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/coreindex/coreindex/internal/store"
)

const (
	codeTokenizerName = "coreindex_code_tokenizer"
	codeStopFilterName = "coreindex_code_stop"
	codeAnalyzerName   = "coreindex_code_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(codeTokenizerName, codeTokenizerConstructor)
	_ = registry.RegisterTokenFilter(codeStopFilterName, codeStopFilterConstructor)
}

// Metadata is the arbitrary payload attached to an indexed document --
// branch, commit hash, language, line ranges, and whatever else a caller
// wants to filter or return alongside search hits.
type Metadata map[string]string

// Document is one indexable unit: a path, its text content, and metadata.
type Document struct {
	Path     string
	Content  string
	Metadata Metadata
}

// SearchHit is a single scored result.
type SearchHit struct {
	Path         string
	Score        float64
	MatchedTerms []string
	Metadata     Metadata
}

// FilterFunc lets callers post-filter hits by metadata without needing a
// bleve query DSL for every predicate the query engine might want.
type FilterFunc func(Metadata) bool

// storedDoc is the struct bleve indexes and stores; Metadata is flattened
// so bleve's default dynamic mapping indexes each key as a keyword field.
type storedDoc struct {
	Path     string            `json:"path"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Index wraps a bleve.Index with the spec's open_or_create/add_document/
// delete_documents/search/commit/meta_exists contract. Writes are single-
// writer (mu.Lock); reads (Search) may run in parallel (mu.RLock).
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// MetaExists reports whether a full-text index already exists on disk at
// path, without opening it. Used by the Indexer to choose between
// incremental-update and full-rebuild mode (spec.md §4.J).
func MetaExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(path, "index_meta.json"))
	return err == nil && info.Size() > 0
}

// OpenOrCreate opens an existing index at path, creating it if absent. A
// detected-corrupt index is cleared and recreated (mirrors the teacher's
// auto-recovery behavior), surfacing corrupt_artifact semantics as a
// logged warning rather than a hard failure, per spec.md §7.
func OpenOrCreate(path string) (*Index, error) {
	m, err := buildMapping()
	if err != nil {
		return nil, fmt.Errorf("ftsindex: build mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("ftsindex: mkdir: %w", mkErr)
		}
		if verr := validateIntegrity(path); verr != nil {
			slog.Warn("fts index corrupted, clearing for rebuild", slog.String("path", path), slog.String("error", verr.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("ftsindex: clear corrupt index: %w", rmErr)
			}
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("fts index open failed, clearing for rebuild", slog.String("path", path), slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("ftsindex: clear corrupt index: %w", rmErr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ftsindex: open/create: %w", err)
	}

	return &Index{index: idx, path: path}, nil
}

func buildMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": codeTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			codeStopFilterName,
		},
	})
	if err != nil {
		return nil, err
	}
	im.DefaultAnalyzer = codeAnalyzerName
	return im, nil
}

func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json empty")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	return json.Unmarshal(data, &meta)
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") ||
		strings.Contains(s, "error parsing mapping JSON") ||
		strings.Contains(s, "failed to load segment") ||
		strings.Contains(s, "error opening bolt") ||
		strings.Contains(s, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// AddDocument indexes or reindexes one document. A pre-existing document
// at the same path is replaced (bleve batch index is an upsert by ID).
func (fi *Index) AddDocument(ctx context.Context, doc Document) error {
	return fi.AddDocuments(ctx, []Document{doc})
}

// AddDocuments batches multiple documents into a single bleve write.
func (fi *Index) AddDocuments(_ context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.closed {
		return fmt.Errorf("ftsindex: closed")
	}

	batch := fi.index.NewBatch()
	for _, d := range docs {
		sd := storedDoc{Path: d.Path, Content: d.Content, Metadata: d.Metadata}
		if err := batch.Index(d.Path, sd); err != nil {
			return fmt.Errorf("ftsindex: batch index %s: %w", d.Path, err)
		}
	}
	return fi.index.Batch(batch)
}

// DeleteDocuments removes every document whose path or metadata matches
// pred. Bleve has no native predicate-delete, so this enumerates all
// documents' stored fields and deletes the matching subset in one batch.
func (fi *Index) DeleteDocuments(ctx context.Context, pred FilterFunc) (int, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.closed {
		return 0, fmt.Errorf("ftsindex: closed")
	}

	docCount, _ := fi.index.DocCount()
	if docCount == 0 {
		return 0, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(docCount), 0, false)
	req.Fields = []string{"*"}
	result, err := fi.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("ftsindex: enumerate for delete: %w", err)
	}

	batch := fi.index.NewBatch()
	deleted := 0
	for _, hit := range result.Hits {
		md := extractMetadata(hit.Fields)
		if pred(md) {
			batch.Delete(hit.ID)
			deleted++
		}
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := fi.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("ftsindex: delete batch: %w", err)
	}
	return deleted, nil
}

// Search runs a BM25 match query against content, applies an optional
// post-filter over metadata, and returns the top `limit` hits by score.
func (fi *Index) Search(ctx context.Context, query string, filter FilterFunc, limit int) ([]SearchHit, error) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	if fi.closed {
		return nil, fmt.Errorf("ftsindex: closed")
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch so post-filtering by metadata doesn't starve results.
	fetchSize := limit
	if filter != nil {
		fetchSize = limit * 5
		if fetchSize < 50 {
			fetchSize = 50
		}
	}

	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")
	req := bleve.NewSearchRequest(mq)
	req.Size = fetchSize
	req.IncludeLocations = true
	req.Fields = []string{"*"}

	result, err := fi.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ftsindex: search: %w", err)
	}

	hits := make([]SearchHit, 0, len(result.Hits))
	for _, h := range result.Hits {
		md := extractMetadata(h.Fields)
		if filter != nil && !filter(md) {
			continue
		}
		hits = append(hits, SearchHit{
			Path:         h.ID,
			Score:        h.Score,
			MatchedTerms: matchedTerms(h),
			Metadata:     md,
		})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Commit is a no-op for bleve, which persists each Batch call
// synchronously; it exists to satisfy the spec's abstract contract for
// backends (e.g. a future SQLite FTS5 backend) that buffer writes.
func (fi *Index) Commit() error {
	return nil
}

// Close releases the underlying bleve index.
func (fi *Index) Close() error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.closed {
		return nil
	}
	fi.closed = true
	return fi.index.Close()
}

// DocCount returns the number of indexed documents.
func (fi *Index) DocCount() uint64 {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	n, _ := fi.index.DocCount()
	return n
}

func extractMetadata(fields map[string]interface{}) Metadata {
	md := Metadata{}
	for k, v := range fields {
		if !strings.HasPrefix(k, "metadata.") {
			continue
		}
		key := strings.TrimPrefix(k, "metadata.")
		if s, ok := v.(string); ok {
			md[key] = s
		}
	}
	return md
}

func matchedTerms(hit *search.DocumentMatch) []string {
	terms := make(map[string]struct{})
	for field, locations := range hit.Locations {
		if field != "content" {
			continue
		}
		for term := range locations {
			terms[term] = struct{}{}
		}
	}
	out := make([]string, 0, len(terms))
	for t := range terms {
		out = append(out, t)
	}
	return out
}

func codeTokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &codeTokenizer{}, nil
}

type codeTokenizer struct{}

func (t *codeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := store.TokenizeCode(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), strings.ToLower(token))
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)
		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func codeStopFilterConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &codeStopFilter{stopWords: store.BuildStopWordMap(store.DefaultCodeStopWords)}, nil
}

type codeStopFilter struct {
	stopWords map[string]struct{}
}

func (f *codeStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if _, stop := f.stopWords[strings.ToLower(string(tok.Term))]; !stop {
			out = append(out, tok)
		}
	}
	return out
}
