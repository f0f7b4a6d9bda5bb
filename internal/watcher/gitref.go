package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitRefCommitInterval is the default poll fallback interval for
// GitRefWatcher (spec.md §4.Q: "fall back to polling every 5s").
const GitRefPollInterval = 5 * time.Second

// CommitCallback is invoked with the commit hashes newly reachable on the
// watched branch, oldest caller-visible order unspecified -- callers pass
// it straight to TemporalIndexer.Run's CommitSelection, which sorts by
// author time itself.
type CommitCallback func(ctx context.Context, newCommits []string) error

// BranchSwitchCallback is invoked when .git/HEAD starts pointing at a
// different branch.
type BranchSwitchCallback func(ctx context.Context, oldBranch, newBranch string)

// GitRefWatcherOptions configures a GitRefWatcher.
type GitRefWatcherOptions struct {
	// PollInterval is the fallback poll period when fsnotify is
	// unavailable. Defaults to GitRefPollInterval.
	PollInterval time.Duration
	// CompletedCommits reports whether a commit hash has already been
	// processed -- the O(1) in-memory lookup spec.md §4.Q calls for,
	// normally backed by temporal.TemporalProgress.IsCommitCompleted.
	// A nil func treats every commit as new.
	CompletedCommits func(hash string) bool
	OnCommit         CommitCallback
	OnBranchSwitch   BranchSwitchCallback
	OnError          func(error)
}

// GitRefWatcher watches a single repository's `.git/refs/heads/<branch>`
// (commit detection) and `.git/HEAD` (branch switch) as described in
// spec.md §4.Q. Unlike HybridWatcher, which recursively watches a project
// tree and explicitly ignores `.git`, this watcher looks at nothing but
// those two paths and needs no gitignore filtering or event debouncing --
// a single fsnotify write event on either path is already the complete
// signal.
type GitRefWatcher struct {
	repoRoot string
	gitDir   string
	opts     GitRefWatcherOptions

	fsWatcher   *fsnotify.Watcher
	useFsnotify bool

	mu            sync.Mutex
	currentBranch string
	stopped       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewGitRefWatcher opens repoRoot's current branch and prepares a watcher
// for it. It does not start watching; call Start.
func NewGitRefWatcher(repoRoot string, opts GitRefWatcherOptions) (*GitRefWatcher, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = GitRefPollInterval
	}
	if opts.CompletedCommits == nil {
		opts.CompletedCommits = func(string) bool { return false }
	}

	w := &GitRefWatcher{
		repoRoot: repoRoot,
		gitDir:   filepath.Join(repoRoot, ".git"),
		opts:     opts,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	branch, err := w.readHeadBranch()
	if err != nil {
		return nil, fmt.Errorf("watcher: read HEAD: %w", err)
	}
	w.currentBranch = branch

	if fsw, err := fsnotify.NewWatcher(); err == nil {
		w.fsWatcher = fsw
		w.useFsnotify = true
	}

	return w, nil
}

// Start begins watching in a background goroutine. It returns once the
// watch mode (fsnotify or polling) has been chosen; Stop shuts it down.
func (w *GitRefWatcher) Start(ctx context.Context) error {
	if w.useFsnotify {
		if err := w.addWatches(); err != nil {
			slog.Warn("watcher: fsnotify setup failed, falling back to polling",
				slog.String("repo", w.repoRoot), slog.String("error", err.Error()))
			w.useFsnotify = false
			_ = w.fsWatcher.Close()
			w.fsWatcher = nil
		}
	}

	go func() {
		defer close(w.doneCh)
		if w.useFsnotify {
			w.runFsnotify(ctx)
		} else {
			w.runPolling(ctx)
		}
	}()
	return nil
}

// Stop terminates the watcher's background goroutine and releases any
// fsnotify resources. Safe to call multiple times.
func (w *GitRefWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

// WatcherType reports "fsnotify" or "polling", mirroring HybridWatcher's
// method of the same name.
func (w *GitRefWatcher) WatcherType() string {
	if w.useFsnotify {
		return "fsnotify"
	}
	return "polling"
}

func (w *GitRefWatcher) runFsnotify(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case _, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.poll(ctx)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.opts.OnError != nil {
				w.opts.OnError(err)
			}
		}
	}
}

func (w *GitRefWatcher) runPolling(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll re-checks HEAD for a branch switch and the current branch's tip for
// newly reachable commits. checkBranchSwitch already performs its own
// commit catch-up when it detects a switch, so poll only checks commits
// itself when no switch happened this tick -- otherwise a single HEAD+ref
// change (e.g. `git checkout -b`) would invoke OnCommit twice for the same
// commits before the caller's CompletedCommits state catches up.
func (w *GitRefWatcher) poll(ctx context.Context) {
	if w.checkBranchSwitch(ctx) {
		return
	}
	w.checkNewCommits(ctx, w.currentBranch)
}

// checkBranchSwitch reports whether HEAD now points at a different branch
// than last observed. On a switch it updates watches, notifies
// OnBranchSwitch, and catches the new branch up on reachable commits.
func (w *GitRefWatcher) checkBranchSwitch(ctx context.Context) bool {
	branch, err := w.readHeadBranch()
	if err != nil {
		if w.opts.OnError != nil {
			w.opts.OnError(fmt.Errorf("watcher: read HEAD: %w", err))
		}
		return false
	}
	if branch == w.currentBranch {
		return false
	}

	old := w.currentBranch
	w.currentBranch = branch
	if w.useFsnotify {
		w.rewatchBranchRef(old, branch)
	}
	if w.opts.OnBranchSwitch != nil {
		w.opts.OnBranchSwitch(ctx, old, branch)
	}
	// Branch-switch catch-up (spec.md §4.Q, §9 open question): index
	// whatever the new branch already has reachable that this session
	// hasn't seen yet, not just note that a switch happened.
	w.checkNewCommits(ctx, branch)
	return true
}

func (w *GitRefWatcher) checkNewCommits(ctx context.Context, branch string) {
	if branch == "" {
		return
	}
	repo, err := git.PlainOpen(w.repoRoot)
	if err != nil {
		return
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		if w.opts.OnError != nil {
			w.opts.OnError(fmt.Errorf("watcher: log %s: %w", branch, err))
		}
		return
	}

	var newCommits []string
	_ = iter.ForEach(func(c *object.Commit) error {
		hash := c.Hash.String()
		if !w.opts.CompletedCommits(hash) {
			newCommits = append(newCommits, hash)
		}
		return nil
	})
	if len(newCommits) == 0 || w.opts.OnCommit == nil {
		return
	}
	if err := w.opts.OnCommit(ctx, newCommits); err != nil && w.opts.OnError != nil {
		w.opts.OnError(fmt.Errorf("watcher: commit callback: %w", err))
	}
}

func (w *GitRefWatcher) addWatches() error {
	if err := w.fsWatcher.Add(filepath.Join(w.gitDir, "HEAD")); err != nil {
		return err
	}
	if w.currentBranch == "" {
		return nil
	}
	refPath := w.branchRefPath(w.currentBranch)
	if _, err := os.Stat(refPath); err == nil {
		return w.fsWatcher.Add(refPath)
	}
	// Loose ref file doesn't exist yet (e.g. refs live in packed-refs);
	// watch the containing directory so a future loose-ref write for this
	// branch is still observed.
	return w.fsWatcher.Add(filepath.Join(w.gitDir, "refs", "heads"))
}

func (w *GitRefWatcher) rewatchBranchRef(oldBranch, newBranch string) {
	if oldBranch != "" {
		_ = w.fsWatcher.Remove(w.branchRefPath(oldBranch))
	}
	if newBranch == "" {
		return
	}
	refPath := w.branchRefPath(newBranch)
	if _, err := os.Stat(refPath); err == nil {
		_ = w.fsWatcher.Add(refPath)
	}
}

func (w *GitRefWatcher) branchRefPath(branch string) string {
	return filepath.Join(w.gitDir, "refs", "heads", filepath.FromSlash(branch))
}

// readHeadBranch returns the branch name in `.git/HEAD`, or "" for a
// detached HEAD (content is a raw commit hash, not a symbolic ref).
func (w *GitRefWatcher) readHeadBranch() (string, error) {
	data, err := os.ReadFile(filepath.Join(w.gitDir, "HEAD"))
	if err != nil {
		return "", err
	}
	const prefix = "ref: refs/heads/"
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, prefix) {
		return "", nil
	}
	return strings.TrimPrefix(content, prefix), nil
}
