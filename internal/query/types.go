// Package query implements QueryEngine (spec.md §4.N): it executes
// semantic, full-text, hybrid, and temporal queries against a
// CollectionStore and FTSIndex, applying path/language/branch filters and
// PayloadCache truncation before returning results.
package query

import "time"

// Kind selects which search path a Request takes.
type Kind string

const (
	KindSemantic Kind = "semantic"
	KindFTS      Kind = "fts"
	KindHybrid   Kind = "hybrid"
	KindTemporal Kind = "temporal"
)

// TimeRange bounds a temporal query by commit_date (inclusive).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Filters narrows a query beyond its text, mirroring spec.md §4.N's
// filter set. Zero values mean "unconstrained" for every field.
type Filters struct {
	IncludeExtensions []string
	ExcludeExtensions []string
	IncludePaths      []string // gitwildmatch patterns
	ExcludePaths      []string // gitwildmatch patterns
	Language          string
	AtCommit          string
	TimeRange         *TimeRange
	CaseSensitive     bool
	Regex             bool
}

// Request is one query call.
type Request struct {
	Kind     Kind
	Query    string
	Filters  Filters
	Limit    int
	MinScore *float64 // semantic only; nil means unset, never defaulted away
}

// Result is one matched point/document, with oversized fields already
// truncated per spec.md §4.E.
type Result struct {
	ID           string
	Score        float64
	Payload      map[string]any
	MatchedTerms []string
}

// Response is the full outcome of a Request.
type Response struct {
	Results []Result
	Timing  time.Duration
}
