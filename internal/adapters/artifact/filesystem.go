// Package artifact persists converted job documents on the local filesystem.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/target/geoinfer-api/internal/domain/model"
)

// FileSuffix is appended to the job id to name its results file.
const FileSuffix = "_coco_results.json"

// FileStore writes artifacts under a single results directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the results directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("results directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the results directory.
func (s *FileStore) Dir() string { return s.dir }

// Location returns {dir}/{jobID}_coco_results.json.
func (s *FileStore) Location(jobID string) string {
	return filepath.Join(s.dir, filepath.Base(jobID)+FileSuffix)
}

// Save writes doc as indented JSON and returns its size. The file appears atomically;
// readers never observe a partial document.
func (s *FileStore) Save(ctx context.Context, doc *model.COCODocument, location string) (int64, error) {
	if doc == nil {
		return 0, errors.New("document is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir := filepath.Dir(location)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("encode artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync artifact: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, location); err != nil {
		return 0, fmt.Errorf("publish artifact: %w", err)
	}
	committed = true
	return info.Size(), nil
}

// Open returns the stored artifact. A missing file yields an error wrapping os.ErrNotExist.
func (s *FileStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Size returns the artifact size in bytes, or 0 if it cannot be read.
func (s *FileStore) Size(location string) int64 {
	info, err := os.Stat(location)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}
