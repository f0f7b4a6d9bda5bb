package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreindex/coreindex/internal/cache"
	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/daemon"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/logging"
	"github.com/coreindex/coreindex/internal/output"
	"github.com/coreindex/coreindex/internal/query"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

// docExtensions are the extensions --type=docs/code filter by, since the
// collection payload doesn't carry the teacher's code/markdown content
// type split -- only the file's language/path.
var docExtensions = []string{".md", ".mdx", ".txt", ".rst"}

// localSearchMetrics is process-wide: runLocalSearch can run more than
// once per process (each CLI invocation in tests shares one binary),
// and query.EngineMetrics registers against the default Prometheus
// registerer, which panics on double registration.
var (
	localSearchMetricsOnce sync.Once
	localSearchMetrics     *query.EngineMetrics
)

func searchMetrics() *query.EngineMetrics {
	localSearchMetricsOnce.Do(func() {
		localSearchMetrics = query.NewEngineMetrics()
	})
	return localSearchMetrics
}

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	filter   string   // "all", "code", "docs"
	language string
	format   string   // "text", "json"
	scopes   []string // path prefixes for filtering
	bm25Only bool     // skip semantic search, use BM25/FTS only
	local    bool     // Force local search (bypass daemon)
	explain  bool     // show search decision process
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:     "search <query>",
		Aliases: []string{"query"},
		Short:   "Search the indexed codebase",
		Long: `Search the indexed codebase using hybrid search.

Combines full-text and semantic (embedding) search with reciprocal
rank fusion for optimal results.

Examples:
  amanmcp search "authentication middleware"
  amanmcp search "handleRequest" --type code --limit 5
  amanmcp search "setup instructions" --type docs
  amanmcp search "error handling" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, q, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.filter, "type", "t", "all", "Filter by type: all, code, docs")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language (e.g., go, python)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringSliceVarP(&opts.scopes, "scope", "s", nil, "Filter by path scope (repeatable, e.g., --scope services/api)")
	cmd.Flags().BoolVar(&opts.bm25Only, "bm25-only", false, "Use keyword search only (skip semantic search)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Force local search (bypass daemon)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show search decision process (BM25/vector results, weights, RRF fusion)")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, q string, opts searchOptions) error {
	// Initialize logging for CLI observability.
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	slog.Info("search_started", slog.String("query", q), slog.Int("limit", opts.limit))
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	collDir := filepath.Join(root, ".amanmcp", "semantic")
	if _, err := os.Stat(collDir); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'amanmcp index' first")
	}

	// Try daemon-based search first (fast, keeps embedder loaded)
	daemonCfg := daemon.DefaultConfig()
	client := daemon.NewClient(daemonCfg)
	if !opts.local && client.IsRunning() {
		slog.Info("search_using_daemon")
		results, err := client.Search(ctx, daemon.SearchParams{
			Query:    q,
			RootPath: root,
			Limit:    opts.limit,
			Filter:   opts.filter,
			Language: opts.language,
			Scopes:   opts.scopes,
			BM25Only: opts.bm25Only,
			Explain:  opts.explain,
		})
		if err != nil {
			slog.Warn("daemon search failed, falling back to local", slog.String("error", err.Error()))
		} else {
			slog.Info("search_complete", slog.String("mode", "daemon"), slog.Int("results", len(results)))
			return formatDaemonResults(cmd, out, q, results, opts.format)
		}
	}

	slog.Info("search_using_local")
	return runLocalSearch(ctx, cmd, out, root, q, opts)
}

// runLocalSearch performs search in-process against the project's
// CollectionStore/FTSIndex via query.Engine, the same pipeline the
// daemon drives in HandleSearch/HandleQuery, just without the
// project-cache.
func runLocalSearch(ctx context.Context, cmd *cobra.Command, out *output.Writer, root, q string, opts searchOptions) error {
	dataDir := filepath.Join(root, ".amanmcp")
	collDir := filepath.Join(dataDir, "semantic")
	temporalDir := filepath.Join(dataDir, "temporal")
	ftsPath := filepath.Join(dataDir, "fts.bleve")

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	coll, err := vectorstore.OpenCollection(collDir)
	if err != nil {
		return fmt.Errorf("failed to open collection: %w", err)
	}

	fts, err := ftsindex.OpenOrCreate(ftsPath)
	if err != nil {
		return fmt.Errorf("failed to open fts index: %w", err)
	}
	defer func() { _ = fts.Close() }()

	var temporal *vectorstore.CollectionStore
	if t, terr := vectorstore.OpenCollection(temporalDir); terr == nil {
		temporal = t
	}

	var embedder embed.Embedder
	if opts.bm25Only {
		embedder = embed.NewStaticEmbedder768()
	} else {
		embed.SetMLXConfig(embed.MLXServerConfig{
			Endpoint: cfg.Embeddings.MLXEndpoint,
			Model:    cfg.Embeddings.MLXModel,
		})
		provider := embed.ParseProvider(cfg.Embeddings.Provider)
		embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
	}
	defer func() { _ = embedder.Close() }()

	weights := query.DefaultWeights
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		weights = query.Weights{FTS: cfg.Search.BM25Weight, Semantic: cfg.Search.SemanticWeight}
	}

	engine, err := query.NewEngine(query.Dependencies{
		RepoRoot:   root,
		Collection: coll,
		Temporal:   temporal,
		FTS:        fts,
		Embedder:   embedder,
		Cache:      cache.New(cache.DefaultTTL, cache.DefaultMaxFetchSize),
		Weights:    weights,
		Metrics:    searchMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create query engine: %w", err)
	}

	kind := query.KindHybrid
	if opts.bm25Only {
		kind = query.KindFTS
	}

	limit := opts.limit
	if limit <= 0 {
		limit = 10
	}
	if cfg.Search.MaxResults > 0 && limit > cfg.Search.MaxResults {
		limit = cfg.Search.MaxResults
	}

	resp, err := engine.Search(ctx, query.Request{
		Kind:    kind,
		Query:   q,
		Filters: filtersFromSearchOptions(opts),
		Limit:   limit,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	slog.Info("search_complete", slog.String("mode", "local"), slog.Int("results", len(resp.Results)))

	if opts.explain {
		out.Status("", fmt.Sprintf("Mode: %s (timing: %s)", kind, resp.Timing.Round(time.Millisecond)))
		out.Newline()
	}

	results := make([]daemon.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, localSearchResult(r))
	}

	return formatDaemonResults(cmd, out, q, results, opts.format)
}

// filtersFromSearchOptions maps the CLI's flat flag set onto
// query.Filters. --type maps onto extension filters since the
// collection payload doesn't carry a separate code/docs content type.
func filtersFromSearchOptions(opts searchOptions) query.Filters {
	f := query.Filters{
		Language:     opts.language,
		IncludePaths: opts.scopes,
	}
	switch opts.filter {
	case "docs":
		f.IncludeExtensions = docExtensions
	case "code":
		f.ExcludeExtensions = docExtensions
	}
	return f
}

// localSearchResult converts one query.Result into the same shape
// formatDaemonResults already renders, so in-process and daemon-backed
// search share one output path.
func localSearchResult(r query.Result) daemon.SearchResult {
	path, _ := r.Payload[vectorstore.PayloadKeyFilePath].(string)
	if path == "" {
		path, _ = r.Payload[vectorstore.PayloadKeyPath].(string)
	}
	content, _ := r.Payload[vectorstore.PayloadKeyContent].(string)
	language, _ := r.Payload[vectorstore.PayloadKeyLanguage].(string)

	return daemon.SearchResult{
		FilePath:  path,
		StartLine: toIntField(r.Payload[vectorstore.PayloadKeyLineStart]),
		EndLine:   toIntField(r.Payload[vectorstore.PayloadKeyLineEnd]),
		Score:     r.Score,
		Content:   content,
		Language:  language,
	}
}

func toIntField(v any) int {
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

// formatDaemonResults formats search results, whether sourced from the
// daemon or an in-process query.Engine run.
func formatDaemonResults(cmd *cobra.Command, out *output.Writer, query string, results []daemon.SearchResult, format string) error {
	if len(results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		if len(results) > 0 && results[0].Explain != nil {
			formatDaemonExplainHeader(out, results[0].Explain)
		}

		out.Statusf("🔍", "Found %d results for %q:", len(results), query)
		out.Newline()

		hasExplain := len(results) > 0 && results[0].Explain != nil
		for i, r := range results {
			location := r.FilePath
			if r.StartLine > 0 {
				location = fmt.Sprintf("%s:%d", r.FilePath, r.StartLine)
			}

			if hasExplain {
				out.Statusf("", "%d. %s (score: %.3f)", i+1, location, r.Score)
				out.Status("", fmt.Sprintf("      BM25: rank %d (score: %.3f) | Vector: rank %d (score: %.3f)",
					r.BM25Rank, r.BM25Score, r.VecRank, r.VecScore))
			} else {
				out.Statusf("", "%d. %s (score: %.2f)", i+1, location, r.Score)
			}

			snippet := getSnippet(r.Content, 3)
			for _, line := range snippet {
				out.Status("", "   "+line)
			}
			out.Newline()
		}
		return nil
	}
}

// formatDaemonExplainHeader outputs the explain summary for daemon results.
func formatDaemonExplainHeader(out *output.Writer, explain *daemon.ExplainData) {
	out.Status("", "════════════════════════════════════════")
	out.Status("", "SEARCH EXPLANATION")
	out.Status("", "════════════════════════════════════════")
	out.Status("", fmt.Sprintf("Query: %q", explain.Query))
	out.Newline()

	if explain.BM25Only {
		out.Status("", "Mode: BM25-only (--bm25-only flag)")
	} else if explain.DimensionMismatch {
		out.Status("", "Mode: BM25-only (dimension mismatch - run 'amanmcp index --force')")
	} else if explain.MultiQueryDecomposed {
		out.Status("", "Mode: Multi-query decomposition")
		out.Status("", "Sub-queries:")
		for _, sq := range explain.SubQueries {
			out.Status("", fmt.Sprintf("  - %q", sq))
		}
	} else {
		out.Status("", "Mode: Hybrid (BM25 + Vector)")
	}
	out.Newline()

	out.Status("", fmt.Sprintf("BM25 Results: %d (weight: %.2f)", explain.BM25ResultCount, explain.BM25Weight))
	out.Status("", fmt.Sprintf("Vector Results: %d (weight: %.2f)", explain.VectorResultCount, explain.SemanticWeight))
	out.Status("", fmt.Sprintf("RRF Constant: k=%d", explain.RRFConstant))
	out.Status("", "════════════════════════════════════════")
	out.Newline()
}

// getSnippet returns the first n lines of content.
func getSnippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
