package daemon

import (
	"time"

	"github.com/coreindex/coreindex/internal/query"
)

// JSON-RPC 2.0 method names added for spec.md §4.O's core methods beyond
// the teacher's original search/status/ping set.
const (
	MethodIndex       = "index"
	MethodQuery       = "query"
	MethodQueryFTS    = "query_fts"
	MethodQueryHybrid = "query_hybrid"
	MethodClearCache  = "clear_cache"
)

// IndexParams are the parameters for the index method.
type IndexParams struct {
	ProjectPath string `json:"project_path"`
	Mode        string `json:"mode,omitempty"` // clear|reconcile|incremental|resume; empty defaults to incremental
	SessionID   string `json:"session_id,omitempty"`
}

// IndexResult is the response to an index call.
type IndexResult struct {
	Status string      `json:"status"` // "started" or "already_running"
	Stats  *IndexStats `json:"stats,omitempty"`
}

// IndexStats mirrors index.Result over the wire.
type IndexStats struct {
	FilesIndexed  int   `json:"files_indexed"`
	FilesDeleted  int   `json:"files_deleted"`
	FilesFailed   int   `json:"files_failed"`
	ChunksIndexed int   `json:"chunks_indexed"`
	Resumed       bool  `json:"resumed"`
	DurationMS    int64 `json:"duration_ms"`
}

// FiltersParams is the wire shape of query.Filters: TimeRange uses
// RFC3339 strings instead of time.Time since it crosses the RPC
// boundary.
type FiltersParams struct {
	IncludeExtensions []string `json:"include_extensions,omitempty"`
	ExcludeExtensions []string `json:"exclude_extensions,omitempty"`
	IncludePaths      []string `json:"include_paths,omitempty"`
	ExcludePaths      []string `json:"exclude_paths,omitempty"`
	Language          string   `json:"language,omitempty"`
	AtCommit          string   `json:"at_commit,omitempty"`
	TimeRangeFrom     string   `json:"time_range_from,omitempty"`
	TimeRangeTo       string   `json:"time_range_to,omitempty"`
	CaseSensitive     bool     `json:"case_sensitive,omitempty"`
	Regex             bool     `json:"regex,omitempty"`
}

// toFilters converts the wire representation into query.Filters,
// parsing the RFC3339 time bounds when present.
func (p FiltersParams) toFilters() query.Filters {
	f := query.Filters{
		IncludeExtensions: p.IncludeExtensions,
		ExcludeExtensions: p.ExcludeExtensions,
		IncludePaths:      p.IncludePaths,
		ExcludePaths:      p.ExcludePaths,
		Language:          p.Language,
		AtCommit:          p.AtCommit,
		CaseSensitive:     p.CaseSensitive,
		Regex:             p.Regex,
	}
	if p.TimeRangeFrom != "" || p.TimeRangeTo != "" {
		tr := &query.TimeRange{}
		if t, err := time.Parse(time.RFC3339, p.TimeRangeFrom); err == nil {
			tr.From = t
		}
		if t, err := time.Parse(time.RFC3339, p.TimeRangeTo); err == nil {
			tr.To = t
		}
		f.TimeRange = tr
	}
	return f
}

// QueryParams are the parameters shared by query, query_fts and
// query_hybrid -- the method name alone selects query.Kind.
type QueryParams struct {
	ProjectPath string        `json:"project_path"`
	Query       string        `json:"query"`
	Kind        string        `json:"kind,omitempty"` // semantic|fts|hybrid|temporal; defaults by method
	Limit       int           `json:"limit,omitempty"`
	Filters     FiltersParams `json:"filters,omitempty"`
	MinScore    *float64      `json:"min_score,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
}

// QueryRPCResult is the response to query/query_fts/query_hybrid.
type QueryRPCResult struct {
	Results  []QueryResultDTO `json:"results"`
	TimingMS int64            `json:"timing_ms"`
}

// QueryResultDTO is one query.Result flattened for the wire.
type QueryResultDTO struct {
	ID           string         `json:"id"`
	Score        float64        `json:"score"`
	Payload      map[string]any `json:"payload"`
	MatchedTerms []string       `json:"matched_terms,omitempty"`
}

func toQueryRPCResult(resp query.Response) QueryRPCResult {
	out := QueryRPCResult{Results: make([]QueryResultDTO, len(resp.Results)), TimingMS: resp.Timing.Milliseconds()}
	for i, r := range resp.Results {
		out.Results[i] = QueryResultDTO{ID: r.ID, Score: r.Score, Payload: r.Payload, MatchedTerms: r.MatchedTerms}
	}
	return out
}

// ClearCacheResult is the response to clear_cache.
type ClearCacheResult struct {
	Cleared bool `json:"cleared"`
}
