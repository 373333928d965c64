// Package gitsrc materializes git repositories into deployment workspaces.
package gitsrc

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/splax/launchpad/internal/workspace"
)

// Fetcher clones repositories into per-deployment directories.
type Fetcher struct {
	workspaces *workspace.Manager
}

// NewFetcher constructs a Fetcher over the workspace manager.
func NewFetcher(workspaces *workspace.Manager) *Fetcher {
	return &Fetcher{workspaces: workspaces}
}

// Fetch prepares a fresh workspace and shallow-clones the repository into
// it, returning the project path.
func (f *Fetcher) Fetch(ctx context.Context, repoRef, deploymentID string) (string, error) {
	dir, err := f.workspaces.Prepare(deploymentID)
	if err != nil {
		return "", err
	}
	if err := clone(ctx, repoRef, dir); err != nil {
		_ = f.workspaces.Remove(dir)
		return "", err
	}
	return dir, nil
}

// Cleanup removes the deployment's workspace.
func (f *Fetcher) Cleanup(deploymentID string) error {
	return f.workspaces.Cleanup(deploymentID)
}

func clone(ctx context.Context, repoURL, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoURL, ".")
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}
