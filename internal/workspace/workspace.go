// Package workspace owns per-deployment working directories under a
// common root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager hands out isolated directories keyed by deployment ID.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates a fresh directory for the deployment, removing any
// leftover from a previous run of the same ID.
func (m *Manager) Prepare(deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("workspace: deployment id cannot be empty")
	}
	dir := filepath.Join(m.root, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("workspace: reset: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create: %w", err)
	}
	return dir, nil
}

// Path returns the directory a deployment would occupy without creating it.
func (m *Manager) Path(deploymentID string) string {
	return filepath.Join(m.root, deploymentID)
}

// Remove deletes a directory, refusing anything outside the root.
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workspace: refusing to remove path outside root")
	}
	return os.RemoveAll(path)
}

// Cleanup removes the workspace for a deployment ID.
func (m *Manager) Cleanup(deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("workspace: deployment id cannot be empty")
	}
	return m.Remove(filepath.Join(m.root, deploymentID))
}
