package drivers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalFSDriver stores content on the local disk, mirroring storage keys as
// relative paths under a base directory. Keys are already namespaced per task
// (tasks/<id>/resources/...), so the on-disk layout stays browsable.
type LocalFSDriver struct {
	baseDir   string
	publicURL string
}

// NewLocalFSDriver creates a LocalFSDriver.
// baseDir is where content is stored; publicURL is the base URL used to
// generate fetch links (e.g. /api/v1/storage).
func NewLocalFSDriver(baseDir, publicURL string) (*LocalFSDriver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalFSDriver{baseDir: baseDir, publicURL: publicURL}, nil
}

// keyPath maps a storage key to a path under the base directory, rejecting
// keys that would escape it.
func (d *LocalFSDriver) keyPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	return filepath.Join(d.baseDir, clean), nil
}

func (d *LocalFSDriver) Save(ctx context.Context, key string, body io.Reader, contentType string) error {
	fullPath, err := d.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file for %s: %w", key, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(fullPath)
		return fmt.Errorf("failed to write content for %s: %w", key, err)
	}

	// Content type sidecar, consulted by Get.
	if err := os.WriteFile(fullPath+".meta", []byte(contentType), 0o644); err != nil {
		os.Remove(fullPath)
		return fmt.Errorf("failed to write metadata for %s: %w", key, err)
	}
	return nil
}

func (d *LocalFSDriver) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	fullPath, err := d.keyPath(key)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if meta, err := os.ReadFile(fullPath + ".meta"); err == nil {
		contentType = string(meta)
	}
	return f, contentType, nil
}

func (d *LocalFSDriver) Delete(ctx context.Context, key string) error {
	fullPath, err := d.keyPath(key)
	if err != nil {
		return err
	}
	os.Remove(fullPath + ".meta")
	err = os.Remove(fullPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *LocalFSDriver) GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if d.publicURL == "" {
		return key, nil
	}
	return fmt.Sprintf("%s/%s", d.publicURL, key), nil
}
