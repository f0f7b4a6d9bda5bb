package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/coreindex/coreindex/internal/scanner"
)

// File describes one file the walker decided to include.
type File struct {
	Path        string // relative to root, "/"-separated
	AbsPath     string
	Size        int64
	ModTime     time.Time
	ContentType scanner.ContentType
	Language    string
}

// Result is one item streamed from Walk.
type Result struct {
	File  *File
	Error error
}

// Options configures a single walk.
type Options struct {
	Base     BaseConfig
	Override Override
	// MaxFileSize, if positive, excludes files larger than this (bytes).
	MaxFileSize int64
	// FollowSymlinks enables following symbolic directory links.
	FollowSymlinks bool
}

// Walker walks a repository applying gitwildmatch override rules on top
// of a base include/exclude configuration (spec.md §4.H).
type Walker struct{}

// New creates a Walker.
func New() *Walker {
	return &Walker{}
}

// Walk streams included files under root. The returned channel is closed
// when the walk completes or ctx is cancelled.
func (w *Walker) Walk(ctx context.Context, root string, opts Options) (<-chan Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("walker: resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("walker: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("walker: root is not a directory: %s", absRoot)
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = scanner.DefaultMaxFileSize
	}

	out := make(chan Result, 64)
	go func() {
		defer close(out)
		walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				out <- Result{Error: fmt.Errorf("walker: %s: %w", path, err)}
				return nil
			}
			if path == absRoot {
				return nil
			}

			relPath, relErr := filepath.Rel(absRoot, path)
			if relErr != nil {
				out <- Result{Error: relErr}
				return nil
			}
			relPath = filepath.ToSlash(relPath)

			if d.IsDir() {
				if shouldPruneDir(filepath.Base(relPath), relPath, opts) {
					return fs.SkipDir
				}
				return nil
			}

			if d.Type()&fs.ModeSymlink != 0 && !opts.FollowSymlinks {
				return nil
			}

			ext := filepath.Ext(relPath)
			if !decide(relPath, ext, opts.Base, opts.Override) {
				return nil
			}

			fi, statErr := d.Info()
			if statErr != nil {
				out <- Result{Error: statErr}
				return nil
			}
			if maxSize > 0 && fi.Size() > maxSize {
				return nil
			}

			lang := scanner.DetectLanguage(relPath)
			out <- Result{File: &File{
				Path:        relPath,
				AbsPath:     path,
				Size:        fi.Size(),
				ModTime:     fi.ModTime(),
				ContentType: scanner.DetectContentType(lang),
				Language:    lang,
			}}
			return nil
		})
		if walkErr != nil && walkErr != context.Canceled {
			out <- Result{Error: walkErr}
		}
	}()

	return out, nil
}

// shouldPruneDir decides whether to skip an entire directory subtree as a
// traversal optimization. force_include_patterns and add_include_dirs can
// rescue a directory that would otherwise be pruned, since a file further
// down the tree might still need to be force-included (step 2/6 can
// outrank a base/add exclude).
func shouldPruneDir(name, relPath string, opts Options) bool {
	if MatchAny(opts.Override.ForceIncludePatterns, relPath) {
		return false
	}
	if dirNameIn(name, opts.Override.AddIncludeDirs) {
		return false
	}
	if MatchAny(opts.Override.ForceExcludePatterns, relPath) {
		return true
	}
	if dirNameIn(name, opts.Override.AddExcludeDirs) {
		return true
	}
	return dirNameIn(name, opts.Base.ExcludeDirs)
}

func dirNameIn(name string, dirs []string) bool {
	for _, d := range dirs {
		if name == d {
			return true
		}
	}
	return false
}

// Decide exposes the seven-step evaluation order for a single path,
// primarily for testing and for reconcile-mode re-evaluation of paths
// already known from a prior session.
func Decide(relPath string, base BaseConfig, ov Override) bool {
	return decide(filepath.ToSlash(relPath), filepath.Ext(relPath), base, ov)
}
