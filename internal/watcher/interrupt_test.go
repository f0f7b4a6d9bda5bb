package watcher

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain installs a process-wide ignore disposition for the signals
// WatchForForceExit watches, before any test runs. Go's signal package
// multicasts a delivered signal to every registered channel and only falls
// back to the pre-Notify disposition once none remain registered; without
// this, a test scenario that tears down the watcher's own signal.Notify
// (e.g. its stop() running before a signal arrives) would leave a later
// real SIGINT to hit the default disposition and kill the test binary.
func TestMain(m *testing.M) {
	signal.Ignore(os.Interrupt, syscall.SIGTERM)
	os.Exit(m.Run())
}

type exitRecorder struct {
	mu   sync.Mutex
	code *int
}

func (r *exitRecorder) record(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := code
	r.code = &c
}

func (r *exitRecorder) exited() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == nil {
		return 0, false
	}
	return *r.code, true
}

func TestWatchForForceExit_SingleSignalDoesNotExit(t *testing.T) {
	rec := &exitRecorder{}
	stop := WatchForForceExit(ForceExitOptions{
		Window: 50 * time.Millisecond,
		Exit:   rec.record,
	})
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	time.Sleep(200 * time.Millisecond)
	_, exited := rec.exited()
	assert.False(t, exited, "a lone signal within the window must not force-exit")
}

func TestWatchForForceExit_SecondSignalWithinWindowExits(t *testing.T) {
	rec := &exitRecorder{}
	stop := WatchForForceExit(ForceExitOptions{
		Window: 500 * time.Millisecond,
		Exit:   rec.record,
	})
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	require.Eventually(t, func() bool {
		_, exited := rec.exited()
		return exited
	}, time.Second, 10*time.Millisecond)

	code, _ := rec.exited()
	assert.Equal(t, ForceExitCode, code)
}

func TestWatchForForceExit_SecondSignalAfterWindowDoesNotExit(t *testing.T) {
	rec := &exitRecorder{}
	stop := WatchForForceExit(ForceExitOptions{
		Window: 30 * time.Millisecond,
		Exit:   rec.record,
	})
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	time.Sleep(100 * time.Millisecond)
	_, exited := rec.exited()
	assert.False(t, exited, "once the window has elapsed, watching stops entirely -- a later signal is the caller's concern again")
}

func TestWatchForForceExit_StopIsIdempotent(t *testing.T) {
	stop := WatchForForceExit(ForceExitOptions{
		Window: 10 * time.Millisecond,
		Exit:   func(int) {},
	})
	stop()
	stop()
}

func TestWatchForForceExit_StopBeforeAnySignalPreventsLaterExit(t *testing.T) {
	rec := &exitRecorder{}
	stop := WatchForForceExit(ForceExitOptions{
		Window: 200 * time.Millisecond,
		Exit:   rec.record,
	})
	stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	time.Sleep(100 * time.Millisecond)

	_, exited := rec.exited()
	assert.False(t, exited, "after stop, signals must no longer be observed by this watcher")
}
