package query

import (
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/coreindex/coreindex/internal/vectorstore"
)

// BranchFilter implements spec.md §4.N's non-temporal branch filtering: a
// result passes if its file exists in the current branch's working tree,
// or its recorded commit is reachable from HEAD. When git is unavailable
// every result passes through, matching "When git is unavailable, pass
// all results through."
type BranchFilter struct {
	repoRoot  string
	reachable map[string]bool
	available bool
}

// NewBranchFilter opens repoRoot as a git repository and walks HEAD's
// history to build the reachable-commit set. Any failure (not a repo, no
// HEAD, detached with no history) leaves the filter in pass-through mode.
func NewBranchFilter(repoRoot string) *BranchFilter {
	bf := &BranchFilter{repoRoot: repoRoot, reachable: make(map[string]bool)}

	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return bf
	}
	head, err := repo.Head()
	if err != nil {
		return bf
	}
	commits, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return bf
	}
	_ = commits.ForEach(func(c *object.Commit) error {
		bf.reachable[c.Hash.String()] = true
		return nil
	})
	bf.available = true
	return bf
}

// Allow reports whether p should survive branch filtering.
func (bf *BranchFilter) Allow(p vectorstore.Payload) bool {
	if !bf.available {
		return true
	}

	if path := payloadPath(p); path != "" {
		if _, err := os.Stat(filepath.Join(bf.repoRoot, filepath.FromSlash(path))); err == nil {
			return true
		}
	}
	if hash, ok := p[vectorstore.PayloadKeyCommitHash].(string); ok && hash != "" {
		return bf.reachable[hash]
	}
	// No file on disk and no commit to verify against HEAD: the result
	// references content this branch can't account for.
	return false
}
