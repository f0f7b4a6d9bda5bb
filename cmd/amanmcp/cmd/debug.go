package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/embed"
	"github.com/coreindex/coreindex/internal/store"
)

// DebugInfo captures a complete snapshot of an index for troubleshooting:
// storage footprint, embedder configuration, and file/chunk counts.
type DebugInfo struct {
	IndexPath   string `json:"index_path"`
	ProjectRoot string `json:"project_root"`

	FileCount  int `json:"file_count"`
	ChunkCount int `json:"chunk_count"`

	IndexedAt time.Time `json:"indexed_at"`

	EmbedderProvider string `json:"embedder_provider"`
	EmbedderModel    string `json:"embedder_model"`
	EmbedderReady    bool   `json:"embedder_ready"`

	MetadataSizeBytes int64 `json:"metadata_size_bytes"`
	BM25SizeBytes     int64 `json:"bm25_size_bytes"`
	VectorSizeBytes   int64 `json:"vector_size_bytes"`

	Languages map[string]float64 `json:"languages,omitempty"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print detailed diagnostic information about the current index",
		Long: `Display a complete diagnostic snapshot of the index: file and chunk
counts, embedder configuration, and the on-disk size of each store
(metadata, BM25, vectors).

Use this when a search looks wrong or a bug report needs environment
details attached.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := config.FindProjectRoot(".")
			if err != nil {
				cwd, _ := os.Getwd()
				root = cwd
			}

			dataDir := filepath.Join(root, ".amanmcp")
			metadataPath := filepath.Join(dataDir, "metadata.db")
			if !fileExists(metadataPath) {
				return fmt.Errorf("no index found in %s\nRun 'amanmcp index' to create one", root)
			}

			info, err := collectDebugInfo(cmd.Context(), root, dataDir)
			if err != nil {
				return fmt.Errorf("failed to collect debug info: %w", err)
			}

			if jsonOutput {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			}
			return renderDebugInfo(cmd, info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func collectDebugInfo(ctx context.Context, root, dataDir string) (DebugInfo, error) {
	info := DebugInfo{
		IndexPath:   dataDir,
		ProjectRoot: root,
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return info, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	project, err := metadata.GetProject(ctx, projectID)
	if err != nil {
		return info, fmt.Errorf("get project: %w", err)
	}
	if project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.IndexedAt = project.IndexedAt
	}

	info.MetadataSizeBytes = getFileSize(metadataPath)
	if bm25db := getFileSize(filepath.Join(dataDir, "bm25.db")); bm25db > 0 {
		info.BM25SizeBytes = bm25db
	} else {
		info.BM25SizeBytes = getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	}
	info.VectorSizeBytes = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, embErr := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if embErr == nil {
		embedInfo := embed.GetInfo(ctx, embedder)
		info.EmbedderProvider = string(embedInfo.Provider)
		info.EmbedderModel = embedInfo.Model
		info.EmbedderReady = embedInfo.Available
		_ = embedder.Close()
	} else {
		info.EmbedderProvider = provider.String()
		info.EmbedderModel = cfg.Embeddings.Model
	}

	langs, err := languageBreakdown(ctx, metadata, projectID)
	if err == nil {
		info.Languages = langs
	}

	return info, nil
}

// languageBreakdown computes each language's fraction of the project's
// indexed files, keyed by normalized extension.
func languageBreakdown(ctx context.Context, metadata store.MetadataStore, projectID string) (map[string]float64, error) {
	paths, err := metadata.GetFilePathsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	for _, p := range paths {
		ext := strings.TrimPrefix(filepath.Ext(p), ".")
		if ext == "" {
			continue
		}
		counts[normalizeExtension(ext)]++
	}

	total := len(paths)
	result := make(map[string]float64, len(counts))
	for lang, count := range counts {
		result[lang] = float64(count) / float64(total)
	}
	return result, nil
}

func renderDebugInfo(cmd *cobra.Command, info DebugInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "AmanMCP Debug Info")
	fmt.Fprintln(out, "==================")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Project:  %s\n", info.ProjectRoot)
	fmt.Fprintf(out, "Index:    %s\n", info.IndexPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "FILES & CHUNKS")
	fmt.Fprintf(out, "  Files:       %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(out, "  Chunks:      %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(out, "  Indexed:     %s\n", formatAge(info.IndexedAt))
	fmt.Fprintf(out, "  Languages:   %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "EMBEDDER")
	fmt.Fprintf(out, "  Provider:    %s\n", info.EmbedderProvider)
	fmt.Fprintf(out, "  Model:       %s\n", info.EmbedderModel)
	fmt.Fprintf(out, "  Ready:       %t\n", info.EmbedderReady)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "BM25 INDEX")
	fmt.Fprintf(out, "  Size:        %s\n", store.FormatBytes(info.BM25SizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VECTOR STORE")
	fmt.Fprintf(out, "  Size:        %s\n", store.FormatBytes(info.VectorSizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "STORAGE")
	fmt.Fprintf(out, "  Metadata:    %s\n", store.FormatBytes(info.MetadataSizeBytes))
	fmt.Fprintf(out, "  BM25:        %s\n", store.FormatBytes(info.BM25SizeBytes))
	fmt.Fprintf(out, "  Vectors:     %s\n", store.FormatBytes(info.VectorSizeBytes))
	fmt.Fprintf(out, "  Total:       %s\n", store.FormatBytes(info.MetadataSizeBytes+info.BM25SizeBytes+info.VectorSizeBytes))

	return nil
}

// formatAge renders a timestamp as a short relative string, e.g. "5 minutes
// ago" or "unknown" for the zero value. Sub-minute durations report "just now".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d / time.Minute)
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber renders n with thousands separators, e.g. 12345 -> "12,345".
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)

	result := strings.Join(parts, ",")
	if neg {
		result = "-" + result
	}
	return result
}

// formatLanguages renders a language-fraction map sorted by descending
// share, e.g. "go (50%), ts (30%), md (20%)". Returns "none" when empty.
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	type entry struct {
		lang  string
		frac  float64
	}
	entries := make([]entry, 0, len(langs))
	for lang, frac := range langs {
		entries = append(entries, entry{lang, frac})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].frac != entries[j].frac {
			return entries[i].frac > entries[j].frac
		}
		return entries[i].lang < entries[j].lang
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s (%d%%)", e.lang, int(e.frac*100+0.5))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension collapses related file extensions to a canonical
// language label, e.g. "tsx" -> "ts", "yml" -> "yaml".
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}
