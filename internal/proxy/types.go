// Package proxy implements the ProxyRouter described in specification.md
// Section 4.P: a project configured with proxy.enabled fans supported
// commands out to child repositories instead of operating on its own tree.
package proxy

import (
	"fmt"
	"strings"
)

// SupportedCommands is the set of subcommands the router knows how to fan
// out to child repositories. Anything else is rejected by Run before any
// child process is spawned.
var SupportedCommands = []string{"query", "status", "start", "stop", "uninstall", "fix-config", "watch"}

// DefaultWorkers bounds concurrent child invocations when a ProxyConfig
// leaves Workers unset.
const DefaultWorkers = 10

// UnsupportedCommandExitCode is the process exit code a proxy-mode CLI must
// use when asked to run a command outside SupportedCommands.
const UnsupportedCommandExitCode = 3

// IsSupportedCommand reports whether cmd can be fanned out to children.
func IsSupportedCommand(cmd string) bool {
	for _, c := range SupportedCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

// ErrUnsupportedCommand is returned by Run when asked to proxy a command
// outside SupportedCommands.
type ErrUnsupportedCommand struct {
	Command string
}

func (e *ErrUnsupportedCommand) Error() string {
	return fmt.Sprintf(
		"unsupported command %q in proxy mode; supported commands are: %s; cd into a child repository to run it directly",
		e.Command, strings.Join(SupportedCommands, ", "),
	)
}

// Child identifies one child repository a proxy project fans commands out
// to. Path is resolved (absolute or relative to the proxy project's root)
// by the caller before constructing a Router.
type Child struct {
	Path string
}

// ChildResult captures one child's outcome for a single command invocation.
type ChildResult struct {
	Path     string
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is set only when the child process never produced an exit code
	// at all (binary missing, failed to start). A non-zero ExitCode from a
	// process that ran to completion is NOT an error here -- it is a
	// normal failed-child outcome the aggregator accounts for.
	Err error
}

// Succeeded reports whether this child's invocation completed with exit
// code 0 and no start-up error.
func (r ChildResult) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// AggregateResult is the router's combined view across all children for one
// Run call.
type AggregateResult struct {
	// Stdout is every child's stdout concatenated in Children order, with
	// failed children framed by an "ERROR in <path>" block carrying their
	// stderr.
	Stdout string
	// ExitCode is 0 if every child succeeded, 1 if every child failed, and
	// 2 if results were mixed.
	ExitCode int
	Children []ChildResult
}
