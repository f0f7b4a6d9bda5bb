package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreindex/coreindex/internal/chunk"
	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/daemon"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/index"
	"github.com/coreindex/coreindex/internal/logging"
	"github.com/coreindex/coreindex/internal/progressive"
	"github.com/coreindex/coreindex/internal/ui"
	"github.com/coreindex/coreindex/internal/vectorstore"
	"github.com/coreindex/coreindex/internal/walker"
)

func newIndexCmd() *cobra.Command {
	var (
		noTUI   bool
		resume  bool
		force   bool
		local   bool
		backend string
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a directory for searching",
		Long: `Index a directory to enable hybrid search over its contents.

This scans files, chunks code and documents, generates embeddings, and
builds both the full-text index and the semantic vector collection.

Backend Selection:
  (default)          Auto-detect: MLX on Apple Silicon, Ollama otherwise
  --backend=mlx      Use MLX (Apple Silicon, ~1.7x faster)
  --backend=ollama   Use Ollama (cross-platform)

Use --resume to continue from a previous interrupted indexing operation.
Use --force to clear existing index data and rebuild from scratch.

When the daemon is running, indexing is routed through it so the
result is immediately visible to daemon-backed searches and the MCP
server without reopening the collection. Pass --local to index
in-process instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Set up signal handling for Ctrl+C - this ensures context cancellation
			// propagates properly so GPU operations stop when user interrupts
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			// --force and --resume are mutually exclusive
			if force && resume {
				return fmt.Errorf("--force and --resume are mutually exclusive")
			}

			// Set backend via environment variable if flag provided
			// This ensures all downstream code respects the choice
			if backend != "" {
				os.Setenv("AMANMCP_EMBEDDER", backend)
			}

			mode := index.ModeReconcile
			switch {
			case force:
				mode = index.ModeClear
			case resume:
				mode = index.ModeResume
			}

			return runIndex(ctx, cmd, path, noTUI, local, mode)
		},
	}

	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use plain text output")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume from previous checkpoint if available")
	cmd.Flags().BoolVar(&force, "force", false, "Clear existing index and rebuild from scratch")
	cmd.Flags().BoolVar(&local, "local", false, "Index in-process even if the daemon is running")
	cmd.Flags().StringVar(&backend, "backend", "", "Embedding backend: auto-detect (default), mlx, ollama, or static")

	// Add subcommands
	cmd.AddCommand(newIndexInfoCmd())

	return cmd
}

// clearIndexData removes the on-disk collection, FTS index and progress
// checkpoint so the next run starts from nothing. This preserves the
// .amanmcp.yaml config file (which lives at project root, not in dataDir).
func clearIndexData(dataDir string) error {
	paths := []string{
		filepath.Join(dataDir, "semantic"),
		filepath.Join(dataDir, "fts.bleve"),
		filepath.Join(dataDir, "progress.json"),
	}
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// runIndex resolves the project root and either routes the run through
// the daemon (default, when it's up) or runs the pipeline in-process.
func runIndex(ctx context.Context, cmd *cobra.Command, path string, noTUI, local bool, mode index.Mode) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	if mode == index.ModeClear {
		if err := clearIndexData(filepath.Join(root, ".amanmcp")); err != nil {
			return fmt.Errorf("failed to clear index data: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cleared existing index data, starting fresh...\n")
		slog.Info("index_force_clear", slog.String("root", root))
	}

	if !local {
		daemonCfg := daemon.DefaultConfig()
		client := daemon.NewClient(daemonCfg)
		if client.IsRunning() {
			return runIndexViaDaemon(ctx, cmd, client, root, mode)
		}
	}

	return runIndexLocal(ctx, cmd, root, noTUI, mode)
}

// runIndexViaDaemon drives the run through the daemon's index RPC. The
// daemon keeps its embedder loaded, so this avoids paying embedder
// startup cost per CLI invocation and leaves the daemon's cached
// project state correctly invalidated for the next search.
func runIndexViaDaemon(ctx context.Context, cmd *cobra.Command, client *daemon.Client, root string, mode index.Mode) error {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Indexing via daemon...\n")

	result, err := client.Index(ctx, daemon.IndexParams{
		ProjectPath: root,
		Mode:        string(mode),
		SessionID:   hashString(root),
	})
	if err != nil {
		return fmt.Errorf("daemon index failed: %w", err)
	}
	if result.Status == "already_running" {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "An index run for this project is already in progress.\n")
		return nil
	}

	if result.Stats != nil {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(),
			"Indexed %d files (%d deleted, %d failed), %d chunks in %dms\n",
			result.Stats.FilesIndexed, result.Stats.FilesDeleted, result.Stats.FilesFailed,
			result.Stats.ChunksIndexed, result.Stats.DurationMS)
	}
	return nil
}

// runIndexLocal builds the pipeline in-process: a fresh CollectionStore,
// FTS index and embedder, wired into index.Indexer exactly the way the
// daemon's HandleIndex does, with progress mirrored to the CLI's
// renderer.
func runIndexLocal(ctx context.Context, cmd *cobra.Command, root string, noTUI bool, mode index.Mode) error {
	// Initialize logging for CLI observability.
	// Use file-only logging to avoid interfering with user-facing output.
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", root)
	}

	// Create renderer (auto-detects TTY/CI, respects --no-tui flag)
	uiCfg := ui.NewConfig(cmd.OutOrStdout(), ui.WithForcePlain(noTUI), ui.WithProjectDir(root))
	renderer := ui.NewRenderer(uiCfg)
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("failed to start progress renderer", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	dataDir := filepath.Join(root, ".amanmcp")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Clean up stale serve.pid if process no longer exists
	servePidPath := filepath.Join(dataDir, "serve.pid")
	if pidData, err := os.ReadFile(servePidPath); err == nil {
		var pid int
		if _, scanErr := fmt.Sscanf(string(pidData), "%d", &pid); scanErr == nil && pid > 0 {
			if process, findErr := os.FindProcess(pid); findErr == nil {
				if sigErr := process.Signal(syscall.Signal(0)); sigErr != nil {
					_ = os.Remove(servePidPath)
					slog.Debug("removed stale serve.pid", slog.Int("pid", pid))
				}
			}
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	thermalCfg := embed.ThermalConfig{
		TimeoutProgression:     cfg.Embeddings.TimeoutProgression,
		RetryTimeoutMultiplier: cfg.Embeddings.RetryTimeoutMultiplier,
	}
	if cfg.Embeddings.InterBatchDelay != "" {
		if delay, parseErr := time.ParseDuration(cfg.Embeddings.InterBatchDelay); parseErr == nil && delay > 0 {
			thermalCfg.InterBatchDelay = delay
		}
	}
	embed.SetThermalConfig(thermalCfg)
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	renderer.UpdateProgress(ui.ProgressEvent{
		Stage:   ui.StageScanning,
		Message: fmt.Sprintf("Connecting to %s embedder...", provider),
	})

	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		return fmt.Errorf("embedder initialization failed: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	collDir := filepath.Join(dataDir, "semantic")
	ftsPath := filepath.Join(dataDir, "fts.bleve")
	progressPath := filepath.Join(dataDir, "progress.json")

	bits := 64
	if cfg.VectorStore.Bits > 0 {
		bits = cfg.VectorStore.Bits
	}

	recreate := func() (*vectorstore.CollectionStore, error) {
		return vectorstore.CreateCollection(collDir, embedder.Dimensions(), bits, string(provider), embedder.ModelName(), time.Now())
	}

	coll, err := vectorstore.OpenCollection(collDir)
	if err != nil {
		coll, err = recreate()
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		mode = index.ModeClear
	}
	fts, err := ftsindex.OpenOrCreate(ftsPath)
	if err != nil {
		return fmt.Errorf("failed to open fts index: %w", err)
	}
	defer func() { _ = fts.Close() }()

	startedAt := time.Now()
	onProgress := func(current, total int, filePath, message string) {
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage:       ui.StageEmbedding,
			Current:     current,
			Total:       total,
			CurrentFile: filePath,
			Message:     message,
		})
	}

	ix, err := index.NewIndexer(index.Dependencies{
		RepoRoot:           root,
		Walker:             walker.New(),
		Chunker:            chunk.NewFixedSizeChunker(chunk.DefaultOptions()),
		Pool:               embed.NewWorkerPool(embedder),
		Collection:         coll,
		RecreateCollection: recreate,
		FTS:                fts,
		ProgressPath:       progressPath,
		Fingerprint:        progressive.Fingerprint{Provider: string(provider), Model: embedder.ModelName(), Dim: embedder.Dimensions()},
		OnProgress:         onProgress,
	})
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	result, err := ix.Run(ctx, mode, hashString(root))
	if err != nil {
		renderer.AddError(ui.ErrorEvent{Err: err})
		return err
	}

	renderer.Complete(ui.CompletionStats{
		Files:    result.FilesIndexed,
		Chunks:   result.ChunksIndexed,
		Duration: time.Since(startedAt),
		Embedder: ui.EmbedderInfo{
			Backend:    string(provider),
			Model:      embedder.ModelName(),
			Dimensions: embedder.Dimensions(),
		},
	})

	return nil
}
