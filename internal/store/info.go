package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EmbedderInfoInput carries the currently-configured embedder's identity
// into GetIndexInfo, for comparison against what the index itself was
// built with. It may be nil when the embedder could not be constructed
// (e.g. an unreachable remote provider).
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// hashPath returns the first 16 hex characters of SHA256(path), matching
// the project-ID convention used throughout the CLI (status.go's hashString).
func hashPath(path string) string {
	h := sha256.Sum256([]byte(path))
	return hex.EncodeToString(h[:])[:16]
}

// GetIndexInfo assembles a complete picture of an on-disk index: the
// embedding configuration it was built with, its statistics and storage
// footprint, and (when embedderInput is non-nil) a compatibility check
// against the currently-configured embedder.
func GetIndexInfo(ctx context.Context, metadata MetadataStore, dataDir string, embedderInput *EmbedderInfoInput) (*IndexInfo, error) {
	root := filepath.Dir(dataDir)
	projectID := hashPath(root)

	info := &IndexInfo{
		Location:    dataDir,
		ProjectRoot: root,
	}

	project, err := metadata.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if project != nil {
		info.ChunkCount = project.ChunkCount
		info.DocumentCount = project.FileCount
		info.CreatedAt = project.IndexedAt
		info.UpdatedAt = project.IndexedAt
	}

	model, err := metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, fmt.Errorf("get stored index model: %w", err)
	}
	if model != "" {
		info.IndexModel = model
		info.IndexBackend, _ = metadata.GetState(ctx, StateKeyIndexBackend)
		if info.IndexBackend == "" {
			info.IndexBackend = inferBackendFromModel(model)
		}
		dimStr, _ := metadata.GetState(ctx, StateKeyIndexDimension)
		var dims int
		_, _ = fmt.Sscanf(dimStr, "%d", &dims)
		info.IndexDimensions = dims
	}

	info.BM25SizeBytes = getFileSize(filepath.Join(dataDir, "bm25.db"))
	if info.BM25SizeBytes == 0 {
		info.BM25SizeBytes = getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	}
	info.VectorSizeBytes = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.IndexSizeBytes = getFileSize(filepath.Join(dataDir, "metadata.db")) + info.BM25SizeBytes + info.VectorSizeBytes

	if embedderInput != nil {
		info.CurrentModel = embedderInput.Model
		info.CurrentBackend = embedderInput.Backend
		info.CurrentDimensions = embedderInput.Dimensions
		info.Compatible = info.IndexModel == "" || (info.CurrentModel == info.IndexModel && info.CurrentDimensions == info.IndexDimensions)
	}

	return info, nil
}

func getFileSize(path string) int64 {
	stat, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return stat.Size()
}

// getDirSize sums the size of every regular file under path, recursively.
func getDirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// containsAny reports whether s contains any of substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses the embedder backend from a bare model
// name, for indexes built before StateKeyIndexBackend was recorded.
func inferBackendFromModel(model string) string {
	switch {
	case model == "static" || strings.HasPrefix(model, "static"):
		return "static"
	case strings.HasPrefix(model, "/"), containsAny(model, []string{"mlx-community/", "mlx-"}):
		return "mlx"
	default:
		return "ollama"
	}
}

// FormatBytes formats a byte count as a human-readable string, e.g.
// "1.5 KB" or "3.2 GB".
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime formats a timestamp as an absolute "YYYY-MM-DD HH:MM:SS"
// string, or "unknown" for the zero value.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}
