package daemon

import "sync"

// ProjectLocks enforces spec.md §4.O's single-writer semantics: at most
// one indexing thread may run per project at a time, and the
// check-thread-alive-then-start sequence must be atomic -- any gap
// between the check and the start is a TOCTOU window that lets two
// indexers race onto the same project.
type ProjectLocks struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewProjectLocks creates an empty lock registry.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{running: make(map[string]bool)}
}

// TryStart atomically checks whether projectPath is already indexing and,
// if not, marks it as running. ok is false if an indexer is already
// active for this project -- the caller must not start a second one.
// When ok is true, the caller must call the returned release func
// exactly once, on every return path (including panics), to clear the
// handle under the same lock discipline.
func (l *ProjectLocks) TryStart(projectPath string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running[projectPath] {
		return func() {}, false
	}
	l.running[projectPath] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, projectPath)
			l.mu.Unlock()
		})
	}, true
}

// IsRunning reports whether projectPath currently has an active indexer.
// Purely informational (e.g. for status); callers that need to act on
// the result must use TryStart instead to avoid a TOCTOU gap.
func (l *ProjectLocks) IsRunning(projectPath string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[projectPath]
}
