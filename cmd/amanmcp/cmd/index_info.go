package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/progressive"
	"github.com/coreindex/coreindex/internal/ui"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

func newIndexInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info [path]",
		Short: "Show index configuration and statistics",
		Long: `Display detailed information about the search index including embedding
model, dimensions, chunk counts, and file sizes.

This command helps you:
- Check which model the current index uses
- Debug dimension mismatch errors
- Verify index was built correctly after reindex
- Compare index configurations across projects`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			return runIndexInfo(cmd.Context(), cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// indexInfo mirrors the collection's fixed metadata, live point/doc
// counts and compatibility against the project's current embedder
// config -- the fields index_info has always reported, now sourced
// from the CollectionStore/FTSIndex the Indexer actually writes.
type indexInfo struct {
	Location    string    `json:"location"`
	ProjectRoot string    `json:"project"`
	IndexModel  string    `json:"index_model"`
	IndexBackend string   `json:"index_backend"`
	IndexDimensions int   `json:"index_dimensions"`
	CreatedAt   string    `json:"created_at"`
	ChunkCount  int       `json:"chunks"`
	DocumentCount uint64  `json:"documents"`
	IndexSizeBytes int64  `json:"index_size_bytes"`
	FTSSizeBytes   int64 `json:"fts_size_bytes"`

	CurrentModel      string `json:"current_model"`
	CurrentBackend    string `json:"current_backend"`
	CurrentDimensions int    `json:"current_dimensions"`
	Compatible        bool   `json:"compatible"`
}

func runIndexInfo(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".amanmcp")
	collDir := filepath.Join(dataDir, "semantic")
	ftsPath := filepath.Join(dataDir, "fts.bleve")

	coll, err := vectorstore.OpenCollection(collDir)
	if err != nil {
		return fmt.Errorf("no index found at %s\nRun 'amanmcp index %s' to create one", dataDir, path)
	}
	meta := coll.Meta()

	info := &indexInfo{
		Location:        dataDir,
		ProjectRoot:      root,
		IndexModel:      meta.Model,
		IndexBackend:    meta.Provider,
		IndexDimensions: meta.Dim,
		CreatedAt:       formatCreatedAt(meta.CreatedAt),
		ChunkCount:      coll.CountPoints(),
	}

	if size, serr := dirSize(collDir); serr == nil {
		info.IndexSizeBytes = size
	}

	if fts, ferr := ftsindex.OpenOrCreate(ftsPath); ferr == nil {
		info.DocumentCount = fts.DocCount()
		_ = fts.Close()
		if size, serr := dirSize(ftsPath); serr == nil {
			info.FTSSizeBytes = size
		}
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	if embedder, eerr := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model); eerr == nil {
		info.CurrentModel = embedder.ModelName()
		info.CurrentBackend = string(provider)
		info.CurrentDimensions = embedder.Dimensions()
		info.Compatible = progressive.Fingerprint{Provider: info.CurrentBackend, Model: info.CurrentModel, Dim: info.CurrentDimensions}.String() ==
			progressive.Fingerprint{Provider: info.IndexBackend, Model: info.IndexModel, Dim: info.IndexDimensions}.String()
		_ = embedder.Close()
	}

	if jsonOutput {
		return outputIndexInfoJSON(cmd, info)
	}
	return outputIndexInfoHuman(cmd, info)
}

func formatCreatedAt(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

func outputIndexInfoJSON(cmd *cobra.Command, info *indexInfo) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func outputIndexInfoHuman(cmd *cobra.Command, info *indexInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Index Information")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Location:    %s\n", info.Location)
	fmt.Fprintf(out, "Project:     %s\n", info.ProjectRoot)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Embedding Configuration:")
	fmt.Fprintf(out, "  Model:       %s\n", info.IndexModel)
	fmt.Fprintf(out, "  Backend:     %s\n", info.IndexBackend)
	fmt.Fprintf(out, "  Dimensions:  %d\n", info.IndexDimensions)
	fmt.Fprintf(out, "  Created:     %s\n", info.CreatedAt)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Index Statistics:")
	fmt.Fprintf(out, "  Points:      %d\n", info.ChunkCount)
	fmt.Fprintf(out, "  Documents:   %d\n", info.DocumentCount)
	fmt.Fprintf(out, "  Index Size:  %s\n", ui.FormatBytes(info.IndexSizeBytes))
	fmt.Fprintf(out, "  FTS Size:    %s\n", ui.FormatBytes(info.FTSSizeBytes))
	fmt.Fprintln(out)

	if info.CurrentModel != "" {
		fmt.Fprintln(out, "Current Embedder:")
		fmt.Fprintf(out, "  Model:       %s\n", info.CurrentModel)
		fmt.Fprintf(out, "  Backend:     %s\n", info.CurrentBackend)
		fmt.Fprintf(out, "  Dimensions:  %d\n", info.CurrentDimensions)

		if info.Compatible {
			fmt.Fprintln(out, "  Status:      Compatible")
		} else {
			fmt.Fprintln(out, "  Status:      INCOMPATIBLE")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Dimension mismatch detected!")
			fmt.Fprintf(out, "    Index: %d dims (%s)\n", info.IndexDimensions, info.IndexModel)
			fmt.Fprintf(out, "    Current: %d dims (%s)\n", info.CurrentDimensions, info.CurrentModel)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "    Semantic search will be disabled until reindex.")
			fmt.Fprintf(out, "    Run 'amanmcp index --force' to rebuild with %s.\n", info.CurrentModel)
		}
	}

	return nil
}
