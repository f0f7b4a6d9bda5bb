package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coreindex/coreindex/internal/temporal"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

func TestPayloadPath_FallsBackToFilePath(t *testing.T) {
	assert.Equal(t, "a.go", payloadPath(vectorstore.Payload{vectorstore.PayloadKeyPath: "a.go"}))
	assert.Equal(t, "b.go", payloadPath(vectorstore.Payload{vectorstore.PayloadKeyFilePath: "b.go"}))
	assert.Equal(t, "", payloadPath(vectorstore.Payload{}))
}

func TestPassesPathFilters_ExtensionAndPattern(t *testing.T) {
	f := Filters{IncludeExtensions: []string{"go"}, ExcludePaths: []string{"vendor/**"}}

	assert.True(t, passesPathFilters("internal/query/engine.go", f))
	assert.False(t, passesPathFilters("internal/query/engine.md", f))
	assert.False(t, passesPathFilters("vendor/lib/thing.go", f))
}

func TestPassesPathFilters_NoFiltersPassesEverything(t *testing.T) {
	assert.True(t, passesPathFilters("", Filters{}))
	assert.True(t, passesPathFilters("anything.xyz", Filters{}))
}

func TestPayloadFilter_AppliesLanguageFilter(t *testing.T) {
	f := payloadFilter(Filters{Language: "go"})

	assert.True(t, f(vectorstore.Payload{vectorstore.PayloadKeyPath: "a.go", vectorstore.PayloadKeyLanguage: "go"}))
	assert.False(t, f(vectorstore.Payload{vectorstore.PayloadKeyPath: "a.py", vectorstore.PayloadKeyLanguage: "python"}))
}

func TestTemporalFilter_AtCommitRestrictsToThatCommit(t *testing.T) {
	f := temporalFilter(Filters{AtCommit: "deadbeef"})

	assert.True(t, f(vectorstore.Payload{vectorstore.PayloadKeyCommitHash: "deadbeef"}))
	assert.False(t, f(vectorstore.Payload{vectorstore.PayloadKeyCommitHash: "other"}))
}

func TestTemporalFilter_TimeRangeBoundsCommitDate(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f := temporalFilter(Filters{TimeRange: &TimeRange{From: from, To: to}})

	inRange := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	outOfRange := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	assert.True(t, f(vectorstore.Payload{temporal.PayloadKeyCommitDate: inRange}))
	assert.False(t, f(vectorstore.Payload{temporal.PayloadKeyCommitDate: outOfRange}))
}
