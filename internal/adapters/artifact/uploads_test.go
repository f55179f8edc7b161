package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadStore_Save(t *testing.T) {
	dir := t.TempDir()
	store, err := NewUploadStore(dir)
	require.NoError(t, err)

	tests := []struct {
		name     string
		jobID    string
		upload   string
		wantBase string
	}{
		{name: "plain", jobID: "job-1", upload: "tile.tif", wantBase: "job-1_tile.tif"},
		{name: "traversal is flattened", jobID: "job-2", upload: "../../etc/tile.tif", wantBase: "job-2_tile.tif"},
		{name: "windows separators", jobID: "job-3", upload: `C:\data\scene.TIFF`, wantBase: "job-3_scene.TIFF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, n, err := store.Save(tt.jobID, tt.upload, strings.NewReader("pixels"))
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tt.wantBase), path)
			assert.EqualValues(t, 6, n)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "pixels", string(got))
		})
	}
}

func TestUploadStore_RejectsEmptyName(t *testing.T) {
	store, err := NewUploadStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "/"} {
		_, _, err := store.Save("job", name, strings.NewReader("x"))
		require.ErrorIs(t, err, ErrInvalidFileName, name)
	}
}

func TestUploadStore_NeverOverwrites(t *testing.T) {
	store, err := NewUploadStore(t.TempDir())
	require.NoError(t, err)

	path, _, err := store.Save("job", "a.tif", strings.NewReader("first"))
	require.NoError(t, err)
	_, _, err = store.Save("job", "nested/a.tif", strings.NewReader("second"))
	require.ErrorIs(t, err, ErrDuplicateFileName)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "a.tif", BaseName("x/y/a.tif"))
	assert.Equal(t, "a.tif", BaseName(`x\a.tif`))
	assert.Empty(t, BaseName(".."))
}

func TestUploadStore_Remove(t *testing.T) {
	store, err := NewUploadStore(t.TempDir())
	require.NoError(t, err)

	path, _, err := store.Save("job", "a.tif", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(path, filepath.Join(store.Dir(), "never-existed.tif")))
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewUploadStore_RequiresDir(t *testing.T) {
	_, err := NewUploadStore(" ")
	require.Error(t, err)
}
