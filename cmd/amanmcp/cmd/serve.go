package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coreindex/coreindex/internal/cache"
	"github.com/coreindex/coreindex/internal/chunk"
	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/daemon"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/index"
	"github.com/coreindex/coreindex/internal/logging"
	"github.com/coreindex/coreindex/internal/mcp"
	"github.com/coreindex/coreindex/internal/progressive"
	"github.com/coreindex/coreindex/internal/query"
	"github.com/coreindex/coreindex/internal/session"
	"github.com/coreindex/coreindex/internal/vectorstore"
	"github.com/coreindex/coreindex/internal/walker"
	"github.com/coreindex/coreindex/internal/watcher"
	"github.com/coreindex/coreindex/pkg/version"
)

// serveQueryMetrics is process-wide: openServePipeline can run more than
// once per process (e.g. runServeWithSession invoked repeatedly in
// tests), and a query.EngineMetrics registers its histogram against the
// default Prometheus registerer, which panics on double registration.
var (
	serveMetricsOnce  sync.Once
	serveQueryMetrics *query.EngineMetrics
)

func serveMetrics() *query.EngineMetrics {
	serveMetricsOnce.Do(func() {
		serveQueryMetrics = query.NewEngineMetrics()
	})
	return serveQueryMetrics
}

// verifyStdinForMCP checks if stdin is suitable for MCP stdio transport.
// Returns nil if stdin is a pipe (usable for MCP), error if terminal or unavailable.
func verifyStdinForMCP() error {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("stdin unavailable: %w", err)
	}

	mode := stat.Mode()
	slog.Debug("stdin status",
		slog.String("mode", mode.String()),
		slog.Int64("size", stat.Size()),
		slog.Bool("is_pipe", (mode&os.ModeNamedPipe) != 0),
		slog.Bool("is_char_device", (mode&os.ModeCharDevice) != 0))

	if (mode & os.ModeCharDevice) != 0 {
		return fmt.Errorf("stdin is a terminal, not a pipe. " +
			"For MCP mode, run via Claude Code or pipe input:\n" +
			"  echo '{\"jsonrpc\":\"2.0\",\"method\":\"initialize\",\"id\":1}' | amanmcp serve")
	}

	return nil
}

func newServeCmd() *cobra.Command {
	var transport string
	var port int
	var sessionName string
	var debugLog bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the AmanMCP MCP server for AI coding assistants.

The server communicates via JSON-RPC over stdio (default) and provides
hybrid search capabilities to connected clients like Claude Code and Cursor.

File watching is automatically enabled for real-time index updates.

Before running serve, you need to index your project:
  amanmcp index .

Named sessions allow you to quickly switch between projects:
  amanmcp serve --session=work-api

Debug mode enables verbose logging to ~/.amanmcp/logs/server.log:
  amanmcp serve --debug

Example configuration (.mcp.json in project root):
  {
    "mcpServers": {
      "amanmcp": {
        "command": "amanmcp",
        "args": ["serve"],
        "cwd": "/path/to/project"
      }
    }
  }

Note: The cwd field is required for Claude Code to start the server in the correct directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debugLog {
				cleanup, err := setupDebugLogging()
				if err != nil {
					return fmt.Errorf("failed to setup debug logging: %w", err)
				}
				defer cleanup()
				slog.Info("Debug logging enabled", slog.String("log_path", logging.DefaultLogPath()))
			}

			if sessionName != "" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					return fmt.Errorf("failed to find project root: %w", err)
				}
				return runServeWithSession(cmd.Context(), sessionName, root, transport, port)
			}
			return runServe(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().IntVar(&port, "port", 8765, "Port for SSE transport")
	cmd.Flags().StringVar(&sessionName, "session", "", "Named session to create/load")
	cmd.Flags().BoolVar(&debugLog, "debug", false, "Enable debug logging to ~/.amanmcp/logs/server.log")

	return cmd
}

// setupDebugLogging initializes the structured logging system with debug level.
// Returns a cleanup function that must be called to close the log file.
func setupDebugLogging() (func(), error) {
	cfg := logging.DebugConfig()
	cfg.WriteToStderr = false

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	return cleanup, nil
}

// servePipeline holds the stores a serve invocation opens, so both the
// query engine and the background reconciliation loop share one
// collection/FTS handle instead of racing two independent opens.
type servePipeline struct {
	root       string
	dataDir    string
	collection *vectorstore.CollectionStore
	fts        *ftsindex.Index
	cache      *cache.PayloadCache
	embedder   embed.Embedder
	provider   embed.ProviderType
	engine     *query.Engine
}

// openServePipeline opens (or creates) the on-disk stores for root and
// wires them into a query.Engine, mirroring daemon.Daemon.openProject so
// the standalone `serve` binary and the daemon answer searches the same
// way.
func openServePipeline(ctx context.Context, root, dataDir string, cfg *config.Config) (*servePipeline, error) {
	collDir := filepath.Join(dataDir, "semantic")
	temporalDir := filepath.Join(dataDir, "temporal")
	ftsPath := filepath.Join(dataDir, "fts.bleve")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	bits := 64
	if cfg.VectorStore.Bits > 0 {
		bits = cfg.VectorStore.Bits
	}

	coll, err := vectorstore.OpenCollection(collDir)
	if err != nil {
		coll, err = vectorstore.CreateCollection(collDir, embedder.Dimensions(), bits, string(provider), embedder.ModelName(), time.Now())
		if err != nil {
			_ = embedder.Close()
			return nil, fmt.Errorf("failed to create collection: %w", err)
		}
	}

	fts, err := ftsindex.OpenOrCreate(ftsPath)
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("failed to open fts index: %w", err)
	}

	var temporal *vectorstore.CollectionStore
	if t, tErr := vectorstore.OpenCollection(temporalDir); tErr == nil {
		temporal = t
	}

	payloadCache := cache.New(cache.DefaultTTL, cache.DefaultMaxFetchSize)

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
		Cache:      payloadCache,
		Weights:    weights,
		Metrics:    serveMetrics(),
	})
	if err != nil {
		_ = fts.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("failed to create query engine: %w", err)
	}

	return &servePipeline{
		root:       root,
		dataDir:    dataDir,
		collection: coll,
		fts:        fts,
		cache:      payloadCache,
		embedder:   embedder,
		provider:   provider,
		engine:     engine,
	}, nil
}

func (p *servePipeline) Close() {
	_ = p.fts.Close()
	_ = p.embedder.Close()
}

func runServe(ctx context.Context, transport string, port int) (err error) {
	// Initialize MCP-safe logging FIRST, before ANYTHING else. MCP protocol
	// requires stdout to be used exclusively for JSON-RPC.
	mcpLogCleanup, logErr := logging.SetupMCPMode()
	if logErr != nil {
		return fmt.Errorf("failed to setup MCP logging: %w", logErr)
	}
	defer mcpLogCleanup()

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin validation failed (continuing anyway)",
				slog.String("error", err.Error()))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Server panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("server panic: %v", r)
		}
	}()

	slog.Info("=== AmanMCP Server Startup ===",
		slog.String("version", version.Version),
		slog.String("transport", transport),
		slog.Int("port", port))

	root, err := config.FindProjectRoot(".")
	if err != nil {
		return fmt.Errorf("failed to find project root: %w", err)
	}
	slog.Debug("Found project root", slog.String("root", root))

	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.Debug("Configuration loaded", slog.String("log_level", cfg.Server.LogLevel))

	if transport == "" {
		transport = cfg.Server.Transport
	}

	dataDir := filepath.Join(root, ".amanmcp")

	// Prevent multiple serve instances on the same project.
	pidFile := daemon.NewPIDFile(filepath.Join(dataDir, "serve.pid"))
	if pidFile.IsRunning() {
		pid, _ := pidFile.Read()
		return fmt.Errorf("another serve instance is already running (PID %d). "+
			"Kill it first with: kill %d", pid, pid)
	}
	_ = pidFile.Remove()
	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = pidFile.Remove() }()
	slog.Debug("PID file written", slog.String("path", pidFile.Path()), slog.Int("pid", os.Getpid()))

	collDir := filepath.Join(dataDir, "semantic")
	if _, statErr := os.Stat(collDir); os.IsNotExist(statErr) {
		return fmt.Errorf("no index found. Run 'amanmcp index' first to create an index")
	}

	pipeline, err := openServePipeline(ctx, root, dataDir, cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	slog.Debug("embedder_initialized",
		slog.String("provider", string(pipeline.provider)),
		slog.String("model", pipeline.embedder.ModelName()),
		slog.Int("dimensions", pipeline.embedder.Dimensions()))

	slog.Debug("Creating MCP server")
	srv, err := mcp.NewServer(pipeline.engine, pipeline.collection, pipeline.embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	srv.SetProjectID(hashString(root))
	if err := srv.RegisterResources(ctx); err != nil {
		slog.Warn("failed to register resources", slog.String("error", err.Error()))
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	// Start the file watcher in the background so it never delays the MCP
	// handshake, which must complete quickly.
	excludePatterns := append(cfg.Paths.Exclude, "**/.amanmcp/**")
	go func() {
		slog.Debug("Starting file watcher in background", slog.String("root", root))
		if err := startFileWatcher(ctx, root, dataDir, pipeline, excludePatterns); err != nil {
			slog.Error("File watcher failed to start (non-fatal, search still works)",
				slog.String("error", err.Error()),
				slog.String("root", root))
			return
		}
		slog.Info("File watcher running", slog.String("root", root))
	}()

	slog.Info("MCP server ready", slog.String("transport", transport), slog.String("root", root))
	addr := fmt.Sprintf(":%d", port)
	return srv.Serve(ctx, transport, addr)
}

// startFileWatcher creates and starts the file watcher for incremental
// updates, using an errgroup to coordinate the watcher goroutine with the
// event-processing goroutine and detect early startup failures. Every
// batch of filesystem events triggers an index.Indexer reconcile pass
// against the same collection/FTS handles the query engine reads from.
func startFileWatcher(ctx context.Context, root, dataDir string, pipeline *servePipeline, excludePatterns []string) error {
	opts := watcher.Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 1000,
		IgnorePatterns:  excludePatterns,
	}.WithDefaults()

	w, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	progressPath := filepath.Join(dataDir, "progress.json")
	sessionID := hashString(root)

	ix, err := index.NewIndexer(index.Dependencies{
		RepoRoot:     root,
		Walker:       walker.New(),
		Chunker:      chunk.NewFixedSizeChunker(chunk.DefaultOptions()),
		Pool:         embed.NewWorkerPool(pipeline.embedder),
		Collection:   pipeline.collection,
		FTS:          pipeline.fts,
		ProgressPath: progressPath,
		Fingerprint: progressive.Fingerprint{
			Provider: string(pipeline.provider),
			Model:    pipeline.embedder.ModelName(),
			Dim:      pipeline.embedder.Dimensions(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	slog.Info("startup_reconciliation_begin",
		slog.String("root", root),
		slog.String("note", "search available during reconciliation"))
	if _, rerr := ix.Run(ctx, index.ModeReconcile, sessionID); rerr != nil {
		slog.Warn("Failed to reconcile files on startup", slog.String("error", rerr.Error()))
	}
	slog.Info("startup_reconciliation_complete")

	// errgroup with a derived context: when either goroutine fails, the
	// other is signaled to stop via context cancellation.
	g, gctx := errgroup.WithContext(ctx)

	startupErr := make(chan error, 1)

	g.Go(func() error {
		slog.Info("Starting file watcher",
			slog.String("root", root),
			slog.String("type", w.WatcherType()))

		err := w.Start(gctx, root)
		if err != nil && err != context.Canceled {
			select {
			case startupErr <- err:
			default:
			}
			slog.Error("File watcher failed", slog.String("error", err.Error()))
		}
		return err
	})

	g.Go(func() error {
		defer func() {
			_ = w.Stop()
		}()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case events, ok := <-w.Events():
				if !ok {
					return nil
				}
				if len(events) > 0 {
					slog.Debug("Processing file events", slog.Int("count", len(events)))
					if _, rerr := ix.Run(gctx, index.ModeReconcile, sessionID); rerr != nil {
						slog.Error("Failed to reconcile after file events", slog.String("error", rerr.Error()))
					}
				}
			case err, ok := <-w.Errors():
				if !ok {
					return nil
				}
				slog.Warn("File watcher error (non-fatal)", slog.String("error", err.Error()))
			}
		}
	})

	// Wait briefly to catch immediate startup failures, e.g. during the
	// initial directory scan.
	startupTimeout := getWatcherStartupTimeout()
	select {
	case err := <-startupErr:
		return fmt.Errorf("file watcher startup failed: %w", err)
	case <-time.After(startupTimeout):
		slog.Debug("File watcher started successfully",
			slog.String("type", w.WatcherType()),
			slog.Duration("startup_time", startupTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}

	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			slog.Error("File watcher stopped unexpectedly", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// getWatcherStartupTimeout returns the watcher startup timeout from the
// environment, or a default of 2 seconds.
func getWatcherStartupTimeout() time.Duration {
	if v := os.Getenv("AMANMCP_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("Invalid AMANMCP_WATCHER_STARTUP_TIMEOUT, using default",
			slog.String("value", v),
			slog.Duration("default", 2*time.Second))
	}
	return 2 * time.Second
}

// runServeWithSession runs the server with session management: it creates
// or loads the named session and uses the session directory for index data.
func runServeWithSession(ctx context.Context, sessionName, projectPath, transport string, port int) (err error) {
	mcpLogCleanup, logErr := logging.SetupMCPMode()
	if logErr != nil {
		return fmt.Errorf("failed to setup MCP logging: %w", logErr)
	}
	defer mcpLogCleanup()

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin validation failed (continuing anyway)", slog.String("error", err.Error()))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Server panic recovered (session mode)",
				slog.Any("panic", r),
				slog.String("session", sessionName),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("server panic: %v", r)
		}
	}()

	cfg := config.NewConfig()

	mgr, err := session.NewManager(session.ManagerConfig{
		StoragePath: cfg.Sessions.StoragePath,
		MaxSessions: cfg.Sessions.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	sess, err := mgr.Open(sessionName, projectPath)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	dataDir := sess.SessionDir

	projectDataDir := filepath.Join(projectPath, ".amanmcp")
	projectCollDir := filepath.Join(projectDataDir, "semantic")
	sessionCollDir := filepath.Join(dataDir, "semantic")

	// The file watcher operates on the project root, so the PID file lives
	// there too even though index data lives under the session directory.
	pidFile := daemon.NewPIDFile(filepath.Join(projectDataDir, "serve.pid"))
	if pidFile.IsRunning() {
		pid, _ := pidFile.Read()
		return fmt.Errorf("another serve instance is already running (PID %d). "+
			"Kill it first with: kill %d", pid, pid)
	}
	_ = pidFile.Remove()
	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = pidFile.Remove() }()
	slog.Debug("PID file written (session mode)",
		slog.String("path", pidFile.Path()),
		slog.Int("pid", os.Getpid()),
		slog.String("session", sessionName))

	if _, err := os.Stat(sessionCollDir); os.IsNotExist(err) {
		if _, err := os.Stat(projectCollDir); err == nil {
			slog.Info("Copying index from project to session",
				slog.String("from", projectDataDir),
				slog.String("to", dataDir))
			if err := session.CopyIndexFiles(projectDataDir, dataDir); err != nil {
				return fmt.Errorf("failed to copy index files: %w", err)
			}
		} else {
			return fmt.Errorf("no index found. Run 'amanmcp index' first to create an index")
		}
	}

	projCfg, err := config.Load(projectPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if transport == "" {
		transport = projCfg.Server.Transport
	}

	pipeline, err := openServePipeline(ctx, projectPath, dataDir, projCfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	slog.Debug("embedder_initialized",
		slog.String("provider", string(pipeline.provider)),
		slog.String("model", pipeline.embedder.ModelName()),
		slog.Int("dimensions", pipeline.embedder.Dimensions()))

	srv, err := mcp.NewServer(pipeline.engine, pipeline.collection, pipeline.embedder, projCfg, projectPath)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	srv.SetProjectID(hashString(projectPath))
	if err := srv.RegisterResources(ctx); err != nil {
		slog.Warn("failed to register resources (session mode)", slog.String("error", err.Error()))
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if cfg.Sessions.AutoSave {
		defer func() {
			if err := mgr.Save(sess); err != nil {
				slog.Warn("Failed to save session on shutdown",
					slog.String("error", err.Error()),
					slog.String("session", sessionName))
			}
		}()
	}

	sessionExcludePatterns := append(projCfg.Paths.Exclude, "**/.amanmcp/**")
	go func() {
		slog.Debug("Starting file watcher in background (session mode)",
			slog.String("root", projectPath),
			slog.String("session", sessionName))
		if err := startFileWatcher(ctx, projectPath, dataDir, pipeline, sessionExcludePatterns); err != nil {
			slog.Error("File watcher failed to start (non-fatal, search still works)",
				slog.String("error", err.Error()),
				slog.String("root", projectPath))
			return
		}
		slog.Info("File watcher running (session mode)",
			slog.String("root", projectPath),
			slog.String("session", sessionName))
	}()

	addr := fmt.Sprintf(":%d", port)
	return srv.Serve(ctx, transport, addr)
}

