package query

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/temporal"
	"github.com/coreindex/coreindex/internal/vectorstore"
	"github.com/coreindex/coreindex/internal/walker"
)

// payloadPath reads a result's path, checking "path" with fallback to
// "file_path" -- the temporal collection only sets the latter (spec.md
// §4.N: "Filter-path matching ... check payload path with fallback to
// file_path").
func payloadPath(p vectorstore.Payload) string {
	if v, ok := p[vectorstore.PayloadKeyPath].(string); ok && v != "" {
		return v
	}
	if v, ok := p[vectorstore.PayloadKeyFilePath].(string); ok {
		return v
	}
	return ""
}

// metadataPath is payloadPath's FTSIndex.Metadata counterpart.
func metadataPath(m ftsindex.Metadata) string {
	if v, ok := m[vectorstore.PayloadKeyPath]; ok && v != "" {
		return v
	}
	return m[vectorstore.PayloadKeyFilePath]
}

// passesPathFilters applies include/exclude extension and gitwildmatch
// path-pattern filters to a single path. An empty path never passes when
// any filter is configured, since it can't be evaluated.
func passesPathFilters(path string, f Filters) bool {
	if f.IncludeExtensions == nil && f.ExcludeExtensions == nil && f.IncludePaths == nil && f.ExcludePaths == nil {
		return true
	}
	if path == "" {
		return false
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if len(f.IncludeExtensions) > 0 && !containsFold(f.IncludeExtensions, ext) {
		return false
	}
	if containsFold(f.ExcludeExtensions, ext) {
		return false
	}

	relPath := filepath.ToSlash(path)
	if len(f.IncludePaths) > 0 && !walker.MatchAny(f.IncludePaths, relPath) {
		return false
	}
	if walker.MatchAny(f.ExcludePaths, relPath) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// passesLanguageFilter reports whether a payload's language field matches
// f.Language (empty filter passes everything).
func passesLanguageFilter(lang string, f Filters) bool {
	if f.Language == "" {
		return true
	}
	return strings.EqualFold(lang, f.Language)
}

// payloadFilter builds a vectorstore.FilterFunc applying path/extension
// and language filters not pushed down into the Hamming prefilter.
func payloadFilter(f Filters) vectorstore.FilterFunc {
	return func(p vectorstore.Payload) bool {
		if !passesPathFilters(payloadPath(p), f) {
			return false
		}
		lang, _ := p[vectorstore.PayloadKeyLanguage].(string)
		return passesLanguageFilter(lang, f)
	}
}

// metadataFilter is payloadFilter's FTSIndex.FilterFunc counterpart,
// operating over Metadata (ftsindex has no direct access to Payload).
func metadataFilter(f Filters) ftsindex.FilterFunc {
	return func(m ftsindex.Metadata) bool {
		if !passesPathFilters(metadataPath(m), f) {
			return false
		}
		return passesLanguageFilter(m[vectorstore.PayloadKeyLanguage], f)
	}
}

// temporalFilter extends payloadFilter with at_commit and time_range:
// a temporal point's commit_hash must equal at_commit when set (every
// blob present in a commit's tree carries a primary or reference point
// tagged with that commit, per internal/temporal's indexing scheme), and
// its commit_date must fall inside time_range when set.
func temporalFilter(f Filters) vectorstore.FilterFunc {
	base := payloadFilter(f)
	return func(p vectorstore.Payload) bool {
		if !base(p) {
			return false
		}
		if f.AtCommit != "" {
			hash, _ := p[vectorstore.PayloadKeyCommitHash].(string)
			if hash != f.AtCommit {
				return false
			}
		}
		if f.TimeRange != nil {
			raw, _ := p[temporal.PayloadKeyCommitDate].(string)
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return false
			}
			if !f.TimeRange.From.IsZero() && t.Before(f.TimeRange.From) {
				return false
			}
			if !f.TimeRange.To.IsZero() && t.After(f.TimeRange.To) {
				return false
			}
		}
		return true
	}
}
