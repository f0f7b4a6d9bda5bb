package mcp

import (
	"fmt"
	"strings"

	"github.com/coreindex/coreindex/internal/query"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

// resultView is the subset of a query.Result's payload that formatting
// and output conversion need, extracted once so both concerns read off
// plain fields instead of re-asserting the payload map.
type resultView struct {
	filePath  string
	content   string
	language  string
	startLine int
	endLine   int
}

func viewOf(r query.Result) resultView {
	path, _ := r.Payload[vectorstore.PayloadKeyFilePath].(string)
	if path == "" {
		path, _ = r.Payload[vectorstore.PayloadKeyPath].(string)
	}
	content, _ := r.Payload[vectorstore.PayloadKeyContent].(string)
	language, _ := r.Payload[vectorstore.PayloadKeyLanguage].(string)
	return resultView{
		filePath:  path,
		content:   content,
		language:  language,
		startLine: toInt(r.Payload[vectorstore.PayloadKeyLineStart]),
		endLine:   toInt(r.Payload[vectorstore.PayloadKeyLineEnd]),
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// FormatSearchResults formats generic search results as markdown.
func FormatSearchResults(q string, results []query.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", q)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Search Results for \"%s\"\n\n", q))
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}

	return sb.String()
}

// FormatCodeResults formats code-specific results.
func FormatCodeResults(q string, results []query.Result, langFilter string) string {
	if len(results) == 0 {
		msg := fmt.Sprintf("No code results found for \"%s\"", q)
		if langFilter != "" {
			msg += fmt.Sprintf(" in %s files", langFilter)
		}
		return msg
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Code Search Results for \"%s\"\n\n", q))
	if langFilter != "" {
		sb.WriteString(fmt.Sprintf("Language filter: `%s`\n\n", langFilter))
	}
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}

	return sb.String()
}

// FormatDocsResults formats documentation results preserving section hierarchy.
func FormatDocsResults(q string, results []query.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No documentation found for \"%s\"", q)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Documentation Results for \"%s\"\n\n", q))
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatDocsResult(&sb, i+1, r)
	}

	return sb.String()
}

// formatResult formats a single generic result.
func formatResult(sb *strings.Builder, num int, r query.Result) {
	v := viewOf(r)

	fmt.Fprintf(sb, "### %d. %s:%d-%d (score: %.2f)\n",
		num, v.filePath, v.startLine, v.endLine, r.Score)

	if len(r.MatchedTerms) > 0 {
		fmt.Fprintf(sb, "**Matched:** %s\n\n", strings.Join(r.MatchedTerms, ", "))
	}

	lang := v.language
	if lang == "" {
		lang = "text"
	}

	fmt.Fprintf(sb, "```%s\n%s\n```\n\n", lang, v.content)
}

// formatDocsResult formats a documentation result preserving structure.
func formatDocsResult(sb *strings.Builder, num int, r query.Result) {
	v := viewOf(r)

	fmt.Fprintf(sb, "### %d. %s (score: %.2f)\n\n", num, v.filePath, r.Score)

	if v.language == "markdown" || v.language == "md" {
		sb.WriteString(v.content)
		sb.WriteString("\n\n---\n\n")
	} else {
		fmt.Fprintf(sb, "```\n%s\n```\n\n", v.content)
	}
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// ToSearchResultOutput converts a query result to the enhanced output
// format. Symbol/signature fields are left empty -- the collection
// payload carries no symbol-table data, unlike the teacher's chunk
// metadata, so nothing here would be grounded in real data.
func ToSearchResultOutput(r query.Result) SearchResultOutput {
	v := viewOf(r)

	return SearchResultOutput{
		FilePath:     v.filePath,
		Content:      v.content,
		Score:        r.Score,
		Language:     v.language,
		MatchedTerms: r.MatchedTerms,
		MatchReason:  generateMatchReason(r),
	}
}

// generateMatchReason creates a human-readable explanation of why a result matched.
func generateMatchReason(r query.Result) string {
	if len(r.MatchedTerms) == 0 {
		return "matched content"
	}
	terms := r.MatchedTerms
	if len(terms) > 5 {
		terms = terms[:5]
	}
	return fmt.Sprintf("matched: %s", strings.Join(terms, ", "))
}
