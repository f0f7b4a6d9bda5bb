package chunk

import (
	"context"
	"unicode/utf8"
)

// FixedSizeChunker splits content into chunks of roughly ChunkSizeChars
// runes with OverlapChars of overlap between consecutive chunks. It never
// splits mid multi-byte sequence: every boundary lands on a rune boundary.
type FixedSizeChunker struct {
	opts Options
}

// NewFixedSizeChunker creates a chunker with the given options, falling
// back to DefaultOptions for zero values.
func NewFixedSizeChunker(opts Options) *FixedSizeChunker {
	d := DefaultOptions()
	if opts.ChunkSizeChars <= 0 {
		opts.ChunkSizeChars = d.ChunkSizeChars
	}
	if opts.OverlapChars < 0 || opts.OverlapChars >= opts.ChunkSizeChars {
		opts.OverlapChars = d.OverlapChars
	}
	return &FixedSizeChunker{opts: opts}
}

// Chunk splits file.Content into fixed-size, overlapping chunks with byte
// and line ranges. Zero-byte files produce no chunks.
func (c *FixedSizeChunker) Chunk(_ context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	// runeOffsets[i] is the byte offset of the i-th rune; runeOffsets has
	// one extra trailing entry equal to len(content) for end-of-string.
	content := file.Content
	runeOffsets := make([]int, 0, len(content)+1)
	lineAtByte := make([]int, len(content)+1) // 1-indexed line number containing each byte offset

	line := 1
	for i := 0; i < len(content); {
		runeOffsets = append(runeOffsets, i)
		lineAtByte[i] = line
		_, size := utf8.DecodeRune(content[i:])
		if size <= 0 {
			size = 1
		}
		if content[i] == '\n' {
			for b := i; b < i+size && b < len(lineAtByte); b++ {
				lineAtByte[b] = line
			}
			line++
		}
		i += size
	}
	runeOffsets = append(runeOffsets, len(content))
	lineAtByte[len(content)] = line

	contentType := file.ContentType
	if contentType == "" {
		contentType = ContentTypeText
	}

	var chunks []*Chunk
	chunkSize := c.opts.ChunkSizeChars
	overlap := c.opts.OverlapChars
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}

	totalRunes := len(runeOffsets) - 1
	for runeStart := 0; runeStart < totalRunes; runeStart += step {
		runeEnd := runeStart + chunkSize
		if runeEnd > totalRunes {
			runeEnd = totalRunes
		}
		byteStart := runeOffsets[runeStart]
		byteEnd := runeOffsets[runeEnd]

		lineStart := lineAtByte[byteStart]
		lineEndByte := byteEnd
		if lineEndByte > 0 {
			lineEndByte--
		}
		lineEnd := lineAtByte[lineEndByte]

		chunks = append(chunks, &Chunk{
			Content:     string(content[byteStart:byteEnd]),
			ByteStart:   byteStart,
			ByteEnd:     byteEnd,
			LineStart:   lineStart,
			LineEnd:     lineEnd,
			ContentType: contentType,
			FilePath:    file.Path,
			Language:    file.Language,
		})

		if runeEnd >= totalRunes {
			break
		}
	}

	for i, ch := range chunks {
		ch.ChunkIndex = i
	}

	return chunks, nil
}
