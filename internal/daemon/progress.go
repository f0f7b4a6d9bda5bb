package daemon

import (
	"log/slog"

	"github.com/coreindex/coreindex/internal/embed"
)

// ProgressCallback is the client-supplied progress callback shape
// carried over RPC (spec.md §4.O): total == 0 signals a setup/status
// message, total > 0 signals current/total progress. info may carry a
// rate field such as "5.3 commits/s" as the second "|"-delimited
// segment's first whitespace-delimited token.
type ProgressCallback func(current, total int, filePath, info string)

// WrapProgress adapts a client callback into an embed.ProgressFunc the
// Indexer can call directly, per spec.md §4.O: (i) filePath/info are
// already RPC-safe strings in this implementation, so no conversion is
// needed here; (ii) a panicking callback is recovered and logged rather
// than allowed to crash the indexing goroutine; (iii) every progress
// invocation for the run goes through this same wrapper, including the
// final 100% callback. A nil cb yields a no-op.
func WrapProgress(cb ProgressCallback) embed.ProgressFunc {
	if cb == nil {
		return func(int, int, string, string) {}
	}
	return func(current, total int, filePath, info string) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("daemon: progress callback panicked",
					slog.Any("recovered", r), slog.String("file_path", filePath))
			}
		}()
		cb(current, total, filePath, info)
	}
}
