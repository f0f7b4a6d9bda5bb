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

	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/temporal"
	"github.com/coreindex/coreindex/internal/vectorstore"
	"github.com/coreindex/coreindex/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the repository's git refs and keep the temporal index current",
		Long: `Watch polls (or fsnotify-watches) .git/refs/heads/<branch> and .git/HEAD
for new commits and branch switches, and runs the temporal indexer
against exactly the commits that changed.

Unlike 'serve''s file watcher, which reacts to working-tree edits, watch
reacts to commits: it's how the temporal index (amanmcp search
--as-of/--history) stays in sync as the repository's history grows.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context())
		},
	}

	return cmd
}

func runWatch(ctx context.Context) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		return fmt.Errorf("failed to find project root: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dataDir := filepath.Join(root, ".amanmcp")
	temporalDir := filepath.Join(dataDir, "temporal")
	if err := os.MkdirAll(temporalDir, 0755); err != nil {
		return fmt.Errorf("failed to create temporal data dir: %w", err)
	}
	progressPath := filepath.Join(temporalDir, "progress.json")

	sessionID := hashString(root)
	progress, err := temporal.LoadProgress(progressPath, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load temporal progress: %w", err)
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	// The temporal collection lives alongside the working-tree index but is
	// keyed separately, since it accumulates blobs from historical commits
	// that may never appear in the current working tree. First run (or a
	// missing/corrupted collection) creates it fresh.
	bits := 64
	if cfg.VectorStore.Bits > 0 {
		bits = cfg.VectorStore.Bits
	}

	collection, err := vectorstore.OpenCollection(temporalDir)
	if err != nil {
		collection, err = vectorstore.CreateCollection(temporalDir, embedder.Dimensions(), bits, "embedder", embedder.ModelName(), time.Now())
		if err != nil {
			return fmt.Errorf("failed to open or create temporal collection: %w", err)
		}
	}

	indexer, err := temporal.NewIndexer(root, embedder, collection, temporal.Options{
		ProgressPath: progressPath,
		OnProgress: func(current, total int, filePath, info string) {
			slog.Debug("temporal_progress",
				slog.Int("current", current), slog.Int("total", total),
				slog.String("file", filePath), slog.String("info", info))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create temporal indexer: %w", err)
	}

	onCommit := func(ctx context.Context, newCommits []string) error {
		slog.Info("watch_new_commits", slog.Int("count", len(newCommits)))
		stats, err := indexer.Run(ctx, temporal.CommitSelection{
			Mode:   temporal.SelectionList,
			Hashes: newCommits,
		}, progress)
		if err != nil {
			return fmt.Errorf("temporal index run: %w", err)
		}
		if err := progress.Save(progressPath); err != nil {
			slog.Warn("failed to save temporal progress", slog.String("error", err.Error()))
		}
		slog.Info("watch_commits_indexed",
			slog.Int("commits_processed", stats.CommitsProcessed),
			slog.Int("blobs_embedded", stats.BlobsEmbedded))
		return nil
	}

	onBranchSwitch := func(ctx context.Context, oldBranch, newBranch string) {
		slog.Info("watch_branch_switch", slog.String("from", oldBranch), slog.String("to", newBranch))
		progress.AddIndexedBranch(newBranch)
		if err := progress.Save(progressPath); err != nil {
			slog.Warn("failed to save temporal progress", slog.String("error", err.Error()))
		}
	}

	pollInterval := watcher.GitRefPollInterval
	if cfg.Temporal.PollInterval != "" {
		if d, err := time.ParseDuration(cfg.Temporal.PollInterval); err == nil && d > 0 {
			pollInterval = d
		}
	}

	w, err := watcher.NewGitRefWatcher(root, watcher.GitRefWatcherOptions{
		CompletedCommits: progress.IsCommitCompleted,
		PollInterval:     pollInterval,
		OnCommit:         onCommit,
		OnBranchSwitch:   onBranchSwitch,
		OnError: func(err error) {
			slog.Warn("gitref_watcher_error", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create git ref watcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("watch_started", slog.String("root", root))
	err = w.Start(ctx)
	if err != nil && err != context.Canceled {
		return fmt.Errorf("git ref watcher stopped: %w", err)
	}
	return nil
}
