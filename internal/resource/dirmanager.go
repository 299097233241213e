package resource

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opengrid/requestor/internal/task/model"
)

const (
	tasksDirName     = "tasks"
	resourcesDirName = "resources"
	outputsDirName   = "outputs"
	temporaryDirName = "tmp"
)

// DirManager resolves the per-task directory layout under a root path:
// root/tasks/<taskID>/{resources,outputs,tmp}. Directories are created on
// first access, so every accessor is idempotent.
type DirManager struct {
	root string
}

// NewDirManager creates a DirManager rooted at the given path.
func NewDirManager(root string) (*DirManager, error) {
	if root == "" {
		return nil, fmt.Errorf("resource: root path cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &DirManager{root: root}, nil
}

// Root returns the root path shared with application runtimes.
func (d *DirManager) Root() string {
	return d.root
}

func (d *DirManager) taskDir(taskID model.TaskID, sub string) (string, error) {
	dir := filepath.Join(d.root, tasksDirName, string(taskID), sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create task directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResourcesDir returns the directory holding the task's network resources.
func (d *DirManager) ResourcesDir(taskID model.TaskID) (string, error) {
	return d.taskDir(taskID, resourcesDirName)
}

// OutputsDir returns the directory where subtask outputs are placed.
func (d *DirManager) OutputsDir(taskID model.TaskID) (string, error) {
	return d.taskDir(taskID, outputsDirName)
}

// TemporaryDir returns the task's scratch directory.
func (d *DirManager) TemporaryDir(taskID model.TaskID) (string, error) {
	return d.taskDir(taskID, temporaryDirName)
}

// ClearTemporary removes everything from the task's scratch directory and
// recreates it empty.
func (d *DirManager) ClearTemporary(taskID model.TaskID) error {
	dir := filepath.Join(d.root, tasksDirName, string(taskID), temporaryDirName)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear temporary directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate temporary directory %s: %w", dir, err)
	}
	return nil
}
