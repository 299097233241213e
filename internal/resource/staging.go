package resource

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/opengrid/requestor/internal/task/model"
)

// Staging moves task resource blobs in and out of the storage backend. It is
// caller-side plumbing: the task manager itself never fetches or stores
// resource content.
type Staging struct {
	driver StorageDriver
}

// NewStaging creates a staging service over the given driver.
func NewStaging(driver StorageDriver) *Staging {
	return &Staging{driver: driver}
}

func resourceKey(taskID model.TaskID, name string) string {
	return path.Join(tasksDirName, string(taskID), resourcesDirName, name)
}

func validName(name string) bool {
	return name != "" && name == filepath.Base(name) && !strings.HasPrefix(name, ".")
}

// StageResource stores one named resource blob for a task and returns its
// storage key. The key is what callers list in the task's resources at
// creation time.
func (s *Staging) StageResource(ctx context.Context, taskID model.TaskID, name string, body io.Reader, contentType string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("resource: invalid resource name %q", name)
	}
	key := resourceKey(taskID, name)
	if err := s.driver.Save(ctx, key, body, contentType); err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "resource staged", "taskID", taskID, "key", key)
	return key, nil
}

// OpenResource streams a staged resource back.
func (s *Staging) OpenResource(ctx context.Context, taskID model.TaskID, name string) (io.ReadCloser, string, error) {
	if !validName(name) {
		return nil, "", fmt.Errorf("resource: invalid resource name %q", name)
	}
	return s.driver.Get(ctx, resourceKey(taskID, name))
}

// ResourceURL returns a fetchable URL for a staged resource.
func (s *Staging) ResourceURL(ctx context.Context, taskID model.TaskID, name string, expires time.Duration) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("resource: invalid resource name %q", name)
	}
	return s.driver.GenerateURL(ctx, resourceKey(taskID, name), expires)
}

// ArchiveOutputs walks a task's outputs directory and stores every regular
// file under tasks/<taskID>/outputs/<relative path>. Returns the number of
// files archived.
func (s *Staging) ArchiveOutputs(ctx context.Context, taskID model.TaskID, outputsDir string) (int, error) {
	archived := 0
	err := filepath.WalkDir(outputsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputsDir, p)
		if err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open output %s: %w", p, err)
		}
		defer f.Close()

		key := path.Join(tasksDirName, string(taskID), outputsDirName, filepath.ToSlash(rel))
		if err := s.driver.Save(ctx, key, f, "application/octet-stream"); err != nil {
			return err
		}
		archived++
		return nil
	})
	if err != nil {
		return archived, fmt.Errorf("failed to archive outputs of task %s: %w", taskID, err)
	}

	slog.InfoContext(ctx, "task outputs archived", "taskID", taskID, "files", archived)
	return archived, nil
}
