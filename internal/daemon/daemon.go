package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreindex/coreindex/internal/cache"
	"github.com/coreindex/coreindex/internal/chunk"
	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/index"
	"github.com/coreindex/coreindex/internal/query"
	"github.com/coreindex/coreindex/internal/vectorstore"
	"github.com/coreindex/coreindex/internal/walker"
)

// dataDirName is the per-project directory holding the daemon's indexes,
// matching the convention the CLI already uses for its own config/state.
const dataDirName = ".amanmcp"

// projectState caches one project's opened stores and query engine so
// repeated RPCs don't pay index-open cost per call. Evicted by Daemon's
// LRU policy once more than Config.MaxProjects are loaded.
type projectState struct {
	rootPath string
	dataDir  string

	collection *vectorstore.CollectionStore
	temporal   *vectorstore.CollectionStore
	fts        *ftsindex.Index
	cache      *cache.PayloadCache
	engine     *query.Engine

	loadedAt time.Time
	lastUsed time.Time
}

// Close releases every store held open by the project. Safe to call on a
// partially-initialized state (nil fields are skipped).
func (p *projectState) Close() error {
	var firstErr error
	if p.fts != nil {
		if err := p.fts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder overrides the default embedder, mainly for tests that
// need to avoid a real Ollama/MLX dependency.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) { d.embedder = e }
}

// Daemon orchestrates the long-lived pieces spec.md §4.O describes: one
// shared embedder, an LRU cache of per-project indexes, the RPC server,
// the single-writer lock registry and the MCP session registry.
type Daemon struct {
	cfg          Config
	embedder     embed.Embedder
	server       *Server
	started      time.Time
	metrics      *Metrics
	queryMetrics *query.EngineMetrics

	mu       sync.Mutex
	projects map[string]*projectState

	pidFile *PIDFile
}

// WithMetrics overrides the daemon's Prometheus metrics, mainly for
// tests that need a private registry instead of the global default one.
func WithMetrics(m *Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithQueryMetrics overrides the query.EngineMetrics every project's
// Engine is built with, mirroring WithMetrics for the same reason.
func WithQueryMetrics(m *query.EngineMetrics) Option {
	return func(d *Daemon) { d.queryMetrics = m }
}

// NewDaemon validates cfg and constructs a Daemon; the embedder defaults
// to an auto-detected one unless WithEmbedder overrides it.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		projects: make(map[string]*projectState),
		pidFile:  NewPIDFile(cfg.PIDPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	if d.queryMetrics == nil {
		d.queryMetrics = query.NewEngineMetrics()
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled: it writes the PID file,
// opens the embedder if none was injected, and blocks serving RPCs on
// the Unix socket.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	if d.embedder == nil {
		emb, err := embed.NewDefaultEmbedder(ctx)
		if err != nil {
			slog.Warn("daemon: falling back to static embedder", slog.String("error", err.Error()))
			emb = embed.NewStaticEmbedder768()
		}
		d.embedder = emb
	}

	d.started = time.Now()

	srv, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return err
	}
	srv.SetHandler(d)
	srv.SetSessionTTL(d.cfg.SessionTTL)
	d.server = srv

	srv.sessions.RunEvictor(ctx, d.cfg.SessionCleanupInterval)

	if d.cfg.MetricsAddr != "" {
		d.startMetricsServer(ctx)
	}

	err = srv.ListenAndServe(ctx)
	d.cleanup()
	return err
}

// startMetricsServer serves Prometheus metrics at /metrics on
// Config.MetricsAddr until ctx is cancelled. Runs in its own goroutine;
// failures are logged, not fatal, since the Unix socket RPC path is the
// daemon's real job.
func (d *Daemon) startMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         d.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("daemon: metrics server listening", slog.String("addr", d.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon: metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// cleanup releases every loaded project and the shared embedder. Called
// once ListenAndServe returns, regardless of why.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, p := range d.projects {
		if err := p.Close(); err != nil {
			slog.Warn("daemon: error closing project", slog.String("project", path), slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}

// evictLRU removes the least-recently-used project once the loaded set
// has reached Config.MaxProjects, making room for one more. Caller must
// hold d.mu.
func (d *Daemon) evictLRU() {
	if len(d.projects) == 0 || len(d.projects) < d.cfg.MaxProjects {
		return
	}
	paths := make([]string, 0, len(d.projects))
	for path := range d.projects {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		return d.projects[paths[i]].lastUsed.Before(d.projects[paths[j]].lastUsed)
	})

	oldest := paths[0]
	if err := d.projects[oldest].Close(); err != nil {
		slog.Warn("daemon: error closing evicted project", slog.String("project", oldest), slog.String("error", err.Error()))
	}
	delete(d.projects, oldest)
}

// getProject returns the cached projectState for rootPath, opening it
// (collection, FTS index, query engine) on first use. The collection
// must already exist -- getProject never creates one, matching the
// contract that search/query operate on an already-indexed project.
func (d *Daemon) getProject(rootPath string) (*projectState, error) {
	d.mu.Lock()
	if p, ok := d.projects[rootPath]; ok {
		p.lastUsed = time.Now()
		d.mu.Unlock()
		return p, nil
	}
	d.mu.Unlock()

	p, err := d.openProject(rootPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.projects[rootPath]; ok {
		// Lost a race to open the same project concurrently; keep the
		// winner and discard ours.
		_ = p.Close()
		existing.lastUsed = time.Now()
		return existing, nil
	}
	d.evictLRU()
	d.projects[rootPath] = p
	d.metrics.SetProjectsLoaded(len(d.projects))
	return p, nil
}

// openProject opens the stores for an already-indexed project. A missing
// collection is reported as "no index found" so HandleSearch/HandleQuery
// give callers a clear reason rather than a raw ErrCollectionMissing.
func (d *Daemon) openProject(rootPath string) (*projectState, error) {
	dataDir := filepath.Join(rootPath, dataDirName)
	collDir := filepath.Join(dataDir, "semantic")
	temporalDir := filepath.Join(dataDir, "temporal")
	ftsPath := filepath.Join(dataDir, "fts.bleve")

	coll, err := vectorstore.OpenCollection(collDir)
	if err != nil {
		return nil, fmt.Errorf("no index found for project %s: %w", rootPath, err)
	}

	fts, err := ftsindex.OpenOrCreate(ftsPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open fts index: %w", err)
	}

	var temporal *vectorstore.CollectionStore
	if temporalColl, tErr := vectorstore.OpenCollection(temporalDir); tErr == nil {
		temporal = temporalColl
	}

	payloadCache := cache.New(cache.DefaultTTL, cache.DefaultMaxFetchSize)

	engine, err := query.NewEngine(query.Dependencies{
		RepoRoot:   rootPath,
		Collection: coll,
		Temporal:   temporal,
		FTS:        fts,
		Embedder:   d.embedder,
		Cache:      payloadCache,
		Weights:    query.DefaultWeights,
		Metrics:    d.queryMetrics,
	})
	if err != nil {
		_ = fts.Close()
		return nil, err
	}

	now := time.Now()
	return &projectState{
		rootPath:   rootPath,
		dataDir:    dataDir,
		collection: coll,
		temporal:   temporal,
		fts:        fts,
		cache:      payloadCache,
		engine:     engine,
		loadedAt:   now,
		lastUsed:   now,
	}, nil
}

// HandleSearch implements RequestHandler, translating the legacy search
// RPC into a hybrid (or FTS-only) query.Request.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	start := time.Now()
	p, err := d.getProject(params.RootPath)
	if err != nil {
		d.metrics.RecordRequest("search", "error", time.Since(start))
		return nil, err
	}

	kind := query.KindHybrid
	if params.BM25Only {
		kind = query.KindFTS
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	resp, err := p.engine.Search(ctx, query.Request{
		Kind:  kind,
		Query: params.Query,
		Filters: query.Filters{
			Language:     params.Language,
			IncludePaths: params.Scopes,
		},
		Limit: limit,
	})
	if err != nil {
		d.metrics.RecordRequest("search", "error", time.Since(start))
		return nil, err
	}
	d.metrics.RecordRequest("search", "ok", time.Since(start))

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, toSearchResult(r))
	}
	return results, nil
}

func toSearchResult(r query.Result) SearchResult {
	path, _ := r.Payload[vectorstore.PayloadKeyFilePath].(string)
	if path == "" {
		path, _ = r.Payload[vectorstore.PayloadKeyPath].(string)
	}
	content, _ := r.Payload[vectorstore.PayloadKeyContent].(string)
	language, _ := r.Payload[vectorstore.PayloadKeyLanguage].(string)

	return SearchResult{
		FilePath:  path,
		StartLine: toInt(r.Payload[vectorstore.PayloadKeyLineStart]),
		EndLine:   toInt(r.Payload[vectorstore.PayloadKeyLineEnd]),
		Score:     r.Score,
		Content:   content,
		Language:  language,
	}
}

// toInt handles both native ints (freshly indexed, in-process payloads)
// and float64 (payloads round-tripped through JSON on disk).
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// GetStatus implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.Lock()
	loaded := len(d.projects)
	d.mu.Unlock()

	if d.embedder == nil {
		return StatusResult{
			Running:        true,
			PID:            os.Getpid(),
			Uptime:         time.Since(d.started).Round(time.Second).String(),
			EmbedderType:   "unavailable",
			EmbedderStatus: "unavailable",
			ProjectsLoaded: loaded,
		}
	}

	return StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		EmbedderType:   d.embedder.ModelName(),
		EmbedderStatus: "ready",
		ProjectsLoaded: loaded,
	}
}

// HandleIndex implements IndexHandler: builds a fresh Indexer for the
// project and runs it in the requested mode. The caller (Server) holds
// ProjectLocks for the duration, so only one run per project is ever
// in flight here.
func (d *Daemon) HandleIndex(ctx context.Context, params IndexParams, progress ProgressCallback) (stats IndexStats, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.RecordRequest("index", status, time.Since(start))
	}()

	mode := index.Mode(params.Mode)
	if mode == "" {
		mode = index.ModeIncremental
	}

	dataDir := filepath.Join(params.ProjectPath, dataDirName)
	collDir := filepath.Join(dataDir, "semantic")
	ftsPath := filepath.Join(dataDir, "fts.bleve")
	progressPath := filepath.Join(dataDir, "progress.json")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return IndexStats{}, fmt.Errorf("daemon: create data dir: %w", err)
	}

	bits := 64
	if projCfg, err := config.Load(params.ProjectPath); err == nil && projCfg.VectorStore.Bits > 0 {
		bits = projCfg.VectorStore.Bits
	}

	recreate := func() (*vectorstore.CollectionStore, error) {
		return vectorstore.CreateCollection(collDir, d.embedder.Dimensions(), bits, "embedder", d.embedder.ModelName(), time.Now())
	}

	coll, err := vectorstore.OpenCollection(collDir)
	if err != nil {
		// No existing collection (first run, or a corrupted one): create
		// it fresh and force a full indexing pass regardless of the
		// requested mode.
		coll, err = recreate()
		if err != nil {
			return IndexStats{}, fmt.Errorf("daemon: create collection: %w", err)
		}
		mode = index.ModeClear
	}

	fts, err := ftsindex.OpenOrCreate(ftsPath)
	if err != nil {
		return IndexStats{}, fmt.Errorf("daemon: open fts index: %w", err)
	}
	defer func() { _ = fts.Close() }()

	ix, err := index.NewIndexer(index.Dependencies{
		RepoRoot:           params.ProjectPath,
		Walker:             walker.New(),
		Chunker:            chunk.NewFixedSizeChunker(chunk.DefaultOptions()),
		Pool:               embed.NewWorkerPool(d.embedder),
		Collection:         coll,
		RecreateCollection: recreate,
		FTS:                fts,
		ProgressPath:       progressPath,
		OnProgress:         WrapProgress(progress),
	})
	if err != nil {
		return IndexStats{}, err
	}

	result, err := ix.Run(ctx, mode, params.SessionID)
	if err != nil {
		return IndexStats{}, err
	}

	d.invalidateProject(params.ProjectPath)

	return IndexStats{
		FilesIndexed:  result.FilesIndexed,
		FilesDeleted:  result.FilesDeleted,
		FilesFailed:   result.FilesFailed,
		ChunksIndexed: result.ChunksIndexed,
		Resumed:       result.Resumed,
		DurationMS:    result.Duration.Milliseconds(),
	}, nil
}

// HandleQuery implements QueryHandler.
func (d *Daemon) HandleQuery(ctx context.Context, req query.Request, rootPath string) (query.Response, error) {
	start := time.Now()
	p, err := d.getProject(rootPath)
	if err != nil {
		d.metrics.RecordRequest("query", "error", time.Since(start))
		return query.Response{}, err
	}
	resp, err := p.engine.Search(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordRequest("query", status, time.Since(start))
	return resp, err
}

// ClearCache implements CacheHandler: drops the project's cached handles
// and forces the next query to reload its indexes.
func (d *Daemon) ClearCache(rootPath string) error {
	d.invalidateProject(rootPath)
	return nil
}

// invalidateProject evicts rootPath from the loaded set so the next
// request reopens its stores from disk.
func (d *Daemon) invalidateProject(rootPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[rootPath]
	if !ok {
		return
	}
	if err := p.Close(); err != nil {
		slog.Warn("daemon: error closing invalidated project", slog.String("project", rootPath), slog.String("error", err.Error()))
	}
	delete(d.projects, rootPath)
}
