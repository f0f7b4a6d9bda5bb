package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"
)

// execFunc builds the *exec.Cmd for one child invocation. Tests override it
// to avoid spawning real processes, mirroring internal/lifecycle's
// execCommand field.
type execFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Router fans a supported command out to a proxy project's child
// repositories, bounded by a worker pool, and aggregates their
// stdout/stderr/exit codes per specification.md Section 4.P.
type Router struct {
	// Binary is the executable invoked in each child's working directory.
	Binary string
	// Children are the child repositories to fan commands out to.
	Children []Child
	// Workers bounds in-flight child processes (0 uses DefaultWorkers).
	Workers int

	execCommand execFunc
}

// NewRouter creates a Router that re-invokes binary inside each child.
func NewRouter(binary string, children []Child) *Router {
	return &Router{
		Binary:      binary,
		Children:    children,
		Workers:     DefaultWorkers,
		execCommand: exec.CommandContext,
	}
}

// Run fans command out to every child concurrently (bounded by Workers) and
// returns the aggregated result. It never returns a non-nil error except for
// ErrUnsupportedCommand -- a child that fails is reported through
// AggregateResult, not through Run's error return.
func (r *Router) Run(ctx context.Context, command string, args []string) (AggregateResult, error) {
	if !IsSupportedCommand(command) {
		return AggregateResult{}, &ErrUnsupportedCommand{Command: command}
	}
	if len(r.Children) == 0 {
		return AggregateResult{}, nil
	}

	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	execFn := r.execCommand
	if execFn == nil {
		execFn = exec.CommandContext
	}

	results := make([]ChildResult, len(r.Children))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, child := range r.Children {
		i, child := i, child
		g.Go(func() error {
			results[i] = runChild(gctx, execFn, r.Binary, child, command, args)
			return nil // a child's failure is captured in results, never aborts the group
		})
	}
	_ = g.Wait() // runChild never returns an error to the group

	return aggregate(results), nil
}

func runChild(ctx context.Context, execFn execFunc, binary string, child Child, command string, args []string) ChildResult {
	cmdArgs := append([]string{command}, args...)
	cmd := execFn(ctx, binary, cmdArgs...)
	cmd.Dir = child.Path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := ChildResult{Path: child.Path}
	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.Err = err
		result.ExitCode = 1
	}
	return result
}

func aggregate(results []ChildResult) AggregateResult {
	var out strings.Builder
	succeeded, failed := 0, 0

	for _, res := range results {
		if res.Succeeded() {
			succeeded++
			out.WriteString(res.Stdout)
			continue
		}
		failed++
		out.WriteString(res.Stdout)
		fmt.Fprintf(&out, "ERROR in %s\n%s\n", res.Path, res.Stderr)
	}

	var exitCode int
	switch {
	case failed == 0:
		exitCode = 0
	case succeeded == 0:
		exitCode = 1
	default:
		exitCode = 2
	}

	return AggregateResult{Stdout: out.String(), ExitCode: exitCode, Children: results}
}
