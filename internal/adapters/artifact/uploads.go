package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidFileName is returned for upload names that cannot be stored safely.
var ErrInvalidFileName = errors.New("invalid upload file name")

// ErrDuplicateFileName is returned when a job already holds an upload with the same name.
var ErrDuplicateFileName = errors.New("duplicate upload file name")

// UploadStore keeps uploaded input files until their job runs.
type UploadStore struct {
	dir string
}

// NewUploadStore creates the upload directory if needed.
func NewUploadStore(dir string) (*UploadStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &UploadStore{dir: dir}, nil
}

// Dir returns the upload directory.
func (s *UploadStore) Dir() string { return s.dir }

// BaseName returns the name an upload is stored under, or "" when name has no usable base.
func BaseName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "/" || base == "." || base == ".." {
		return ""
	}
	return base
}

// Save copies r to {dir}/{jobID}_{name} and returns the stored path and byte count.
// Only the base of name is used. An existing file is never overwritten.
func (s *UploadStore) Save(jobID, name string, r io.Reader) (string, int64, error) {
	base := BaseName(name)
	if base == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}

	path := filepath.Join(s.dir, filepath.Base(jobID)+"_"+base)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", 0, fmt.Errorf("%w: %q", ErrDuplicateFileName, base)
		}
		return "", 0, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	return path, n, nil
}

// Remove deletes stored uploads, ignoring files that are already gone.
func (s *UploadStore) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
