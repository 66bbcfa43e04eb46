package adapters

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirManager resolves the three per-task directory trees RTM needs under a single
// root: network resources downloaded for providers, subtask outputs collected back
// from them, and scratch space cleared between init attempts.
type DirManager struct {
	root string
}

// NewDirManager ensures the root and its three subtrees exist and returns a manager
// rooted there.
func NewDirManager(root string) (*DirManager, error) {
	for _, sub := range []string{"resources", "outputs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &DirManager{root: root}, nil
}

// NetworkResourcesDir is where the prepared input resources for a task are staged.
func (d *DirManager) NetworkResourcesDir(taskID string) string {
	return filepath.Join(d.root, "resources", taskID)
}

// SubtasksOutputsDir is where verified subtask results accumulate for a task.
func (d *DirManager) SubtasksOutputsDir(taskID string) string {
	return filepath.Join(d.root, "outputs", taskID)
}

// TemporaryDir is scratch space local to one init attempt.
func (d *DirManager) TemporaryDir(taskID string) string {
	return filepath.Join(d.root, "tmp", taskID)
}

// ClearTemporary removes and recreates the task's temporary directory, so a retried
// initTask never observes a previous attempt's partial state.
func (d *DirManager) ClearTemporary(taskID string) error {
	dir := d.TemporaryDir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear temporary dir %s: %w", taskID, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreate temporary dir %s: %w", taskID, err)
	}
	return nil
}
