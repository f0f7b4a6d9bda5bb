package proxy

import (
	"os/exec"
	"path/filepath"

	"github.com/coreindex/coreindex/internal/config"
)

// NewRouterFromConfig builds a Router for rootPath's proxy configuration,
// resolving each configured child path against rootPath when it isn't
// already absolute. binary is the executable re-invoked inside each child
// (normally the running process's own argv[0]).
func NewRouterFromConfig(cfg config.ProxyConfig, rootPath, binary string) *Router {
	children := make([]Child, 0, len(cfg.Children))
	for _, c := range cfg.Children {
		path := c
		if !filepath.IsAbs(path) {
			path = filepath.Join(rootPath, path)
		}
		children = append(children, Child{Path: path})
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Router{
		Binary:      binary,
		Children:    children,
		Workers:     workers,
		execCommand: exec.CommandContext,
	}
}
