// Package chunk implements the fixed-size text chunker used to split
// repository files into retrievable units (spec.md §4.G). It deliberately
// does not attempt semantic (AST) boundaries: an earlier AST-based
// chunker (tree-sitter, per-language symbol extraction) was removed as a
// source of bugs and ecosystem coupling, and chunk boundaries are now
// purely byte-offset driven.
package chunk

import (
	"context"
)

// ContentType classifies the file a chunk came from.
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// Chunk is a retrievable unit of content with byte and line ranges.
// FilePath/Language/ChunkIndex are filled in by the caller (the Indexer),
// not the Chunker itself, per spec.md §4.G.
type Chunk struct {
	Content     string
	ByteStart   int
	ByteEnd     int // exclusive
	LineStart   int // 1-indexed
	LineEnd     int // inclusive
	ContentType ContentType

	// Filled in by the caller:
	FilePath   string
	Language   string
	ChunkIndex int
}

// FileInput is input for the Chunker interface.
type FileInput struct {
	Path        string
	Content     []byte
	Language    string
	ContentType ContentType
}

// Options configures the fixed-size chunker.
type Options struct {
	// ChunkSizeChars is the target chunk size in characters (runes).
	ChunkSizeChars int
	// OverlapChars is the overlap between consecutive chunks.
	OverlapChars int
}

// DefaultOptions returns sensible fixed-size chunking defaults.
func DefaultOptions() Options {
	return Options{ChunkSizeChars: 1500, OverlapChars: 200}
}

// Chunker is the interface for splitting file content into chunks.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
}
