package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecCommand builds an execFunc whose child process is this same test
// binary re-invoked under TestHelperProcess, following the standard os/exec
// fake-subprocess pattern. Every child gets the same command/args, so this
// is only useful for all-succeed / all-fail scenarios; partial-failure
// aggregation is covered directly against aggregate() below.
func fakeExecCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "PROXY_WANT_HELPER_PROCESS=1")
	return cmd
}

// TestHelperProcess is not a real test; fakeExecCommand re-invokes the test
// binary with this as -test.run so it can stand in for a child repository's
// CLI. Its exit behavior is selected by the first argument after "--".
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PROXY_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	if len(args) > 0 && args[0] == "fail" {
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "ok: %s\n", strings.Join(args, " "))
	os.Exit(0)
}

func TestRouter_Run_UnsupportedCommandFailsFast(t *testing.T) {
	r := NewRouter("amanmcp", []Child{{Path: "/tmp/child-a"}})
	_, err := r.Run(context.Background(), "rm-rf-everything", nil)

	require.Error(t, err)
	var unsupported *ErrUnsupportedCommand
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "rm-rf-everything", unsupported.Command)
	assert.Contains(t, err.Error(), "query")
}

func TestRouter_Run_NoChildrenReturnsEmptyResult(t *testing.T) {
	r := NewRouter("amanmcp", nil)
	result, err := r.Run(context.Background(), "status", nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Children)
}

func TestRouter_Run_AllChildrenSucceedExitsZero(t *testing.T) {
	r := NewRouter("amanmcp", []Child{{Path: t.TempDir()}, {Path: t.TempDir()}})
	r.execCommand = fakeExecCommand

	result, err := r.Run(context.Background(), "status", []string{"ok"})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, result.Children, 2)
	for _, c := range result.Children {
		assert.True(t, c.Succeeded())
	}
	assert.NotContains(t, result.Stdout, "ERROR in")
}

func TestRouter_Run_AllChildrenFailExitsOne(t *testing.T) {
	childA, childB := t.TempDir(), t.TempDir()
	r := NewRouter("amanmcp", []Child{{Path: childA}, {Path: childB}})
	r.execCommand = fakeExecCommand

	result, err := r.Run(context.Background(), "status", []string{"fail"})

	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	for _, c := range result.Children {
		assert.False(t, c.Succeeded())
		assert.Equal(t, 1, c.ExitCode)
	}
	assert.Contains(t, result.Stdout, "ERROR in "+childA)
	assert.Contains(t, result.Stdout, "ERROR in "+childB)
	assert.Contains(t, result.Stdout, "boom")
}

func TestRouter_Run_RespectsWorkerLimit(t *testing.T) {
	children := make([]Child, 5)
	for i := range children {
		children[i] = Child{Path: t.TempDir()}
	}
	r := NewRouter("amanmcp", children)
	r.Workers = 2
	r.execCommand = fakeExecCommand

	result, err := r.Run(context.Background(), "status", []string{"ok"})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Len(t, result.Children, 5)
}

func TestAggregate_PartialFailureExitsTwo(t *testing.T) {
	results := []ChildResult{
		{Path: "/tmp/succeed", Stdout: "ok\n", ExitCode: 0},
		{Path: "/tmp/fail", Stdout: "", Stderr: "boom\n", ExitCode: 1},
	}

	agg := aggregate(results)

	assert.Equal(t, 2, agg.ExitCode)
	assert.Contains(t, agg.Stdout, "ok\n")
	assert.Contains(t, agg.Stdout, "ERROR in /tmp/fail\nboom\n")
}

func TestAggregate_StableOutputOrder(t *testing.T) {
	results := []ChildResult{
		{Path: "/tmp/z", Stdout: "z-out\n", ExitCode: 0},
		{Path: "/tmp/a", Stdout: "a-out\n", ExitCode: 0},
	}

	agg := aggregate(results)

	zIdx := strings.Index(agg.Stdout, "z-out")
	aIdx := strings.Index(agg.Stdout, "a-out")
	require.GreaterOrEqual(t, zIdx, 0)
	require.GreaterOrEqual(t, aIdx, 0)
	assert.Less(t, zIdx, aIdx, "stdout must preserve Children order, not completion order")
}

func TestAggregate_StartupErrorCountsAsFailure(t *testing.T) {
	results := []ChildResult{
		{Path: "/tmp/missing-binary", Err: fmt.Errorf("exec: \"amanmcp\": executable file not found in $PATH"), ExitCode: 1},
	}

	agg := aggregate(results)

	assert.Equal(t, 1, agg.ExitCode)
	assert.False(t, results[0].Succeeded())
}

func TestIsSupportedCommand(t *testing.T) {
	for _, cmd := range SupportedCommands {
		assert.True(t, IsSupportedCommand(cmd))
	}
	assert.False(t, IsSupportedCommand("destroy"))
}
