package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coreindex/coreindex/internal/config"
	"github.com/coreindex/coreindex/internal/output"
)

// newStartCmd and newStopCmd are top-level aliases for 'daemon start'/'daemon
// stop'. They exist because internal/proxy.SupportedCommands fans out the
// bare verbs "start"/"stop" to child repositories (each child re-invoked as
// its own process), and a child's own CLI has to understand those verbs
// directly -- it has no notion of the parent proxy's "daemon" grouping.
func newStartCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon (alias for 'daemon start')",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStart(cmd.Context(), cmd, foreground)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon (alias for 'daemon stop')",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newFixConfigCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "fix-config",
		Short: "Repair .mcp.json and .amanmcp.yaml for the current project",
		Long: `Validate the project's MCP and index configuration and repair whatever
is missing or malformed: a missing or invalid 'amanmcp' entry in
.mcp.json, or a missing .amanmcp.yaml template.

Unlike 'init', fix-config never touches the index itself -- it only
repairs the configuration files AI assistants use to find the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFixConfig(cmd, global)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "Repair the global (user-scope) MCP registration instead of the project one")
	return cmd
}

func runFixConfig(cmd *cobra.Command, global bool) error {
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	mcpPath := filepath.Join(root, ".mcp.json")
	if ok, warnings := validateExistingMCPConfig(mcpPath); ok {
		out.Status("", ".mcp.json already valid")
	} else {
		for _, w := range warnings {
			out.Warning(w)
		}
		if _, err := configureMCP(cmd.Context(), out, root, global, true); err != nil {
			return fmt.Errorf("failed to repair .mcp.json: %w", err)
		}
	}

	if err := generateAmanmcpYAML(out, root); err != nil {
		return fmt.Errorf("failed to repair .amanmcp.yaml: %w", err)
	}

	out.Status("", "Configuration repaired")
	return nil
}

func newUninstallCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove AmanMCP's MCP registration and optionally its index",
		Long: `Remove the 'amanmcp' entry from .mcp.json so AI assistants stop
launching the server for this project.

By default the on-disk index (.amanmcp/) is left in place, so
reinitializing later skips re-indexing. Pass --purge to delete it too.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUninstall(cmd, purge)
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete the .amanmcp index directory")
	return cmd
}

func runUninstall(cmd *cobra.Command, purge bool) error {
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	mcpPath := filepath.Join(root, ".mcp.json")
	if data, err := os.ReadFile(mcpPath); err == nil {
		var mcpCfg MCPConfig
		if err := json.Unmarshal(data, &mcpCfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", mcpPath, err)
		}
		if _, exists := mcpCfg.MCPServers["amanmcp"]; exists {
			delete(mcpCfg.MCPServers, "amanmcp")
			updated, err := json.MarshalIndent(mcpCfg, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", mcpPath, err)
			}
			if err := os.WriteFile(mcpPath, updated, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", mcpPath, err)
			}
			out.Statusf("", "Removed amanmcp from %s", mcpPath)
		} else {
			out.Status("", "amanmcp not registered in .mcp.json")
		}
	}

	if purge {
		dataDir := filepath.Join(root, ".amanmcp")
		if err := os.RemoveAll(dataDir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dataDir, err)
		}
		out.Statusf("", "Removed %s", dataDir)
	}

	return nil
}
