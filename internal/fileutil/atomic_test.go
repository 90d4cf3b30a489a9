package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tests := []struct {
		name    string
		initial []byte
		data    []byte
		perm    os.FileMode
	}{
		{name: "new file", data: []byte("management_port: 7505\n"), perm: 0600},
		{name: "overwrite", initial: []byte("old"), data: []byte("new"), perm: 0644},
		{name: "empty data", data: []byte{}, perm: 0600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if tt.initial != nil {
				require.NoError(t, os.WriteFile(path, tt.initial, 0600))
			}

			require.NoError(t, AtomicWrite(path, tt.data, tt.perm))

			content, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.data, content)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, tt.perm, info.Mode().Perm())

			leftovers, err := filepath.Glob(path + ".tmp.*")
			require.NoError(t, err)
			assert.Empty(t, leftovers)
		})
	}
}

func TestAtomicWrite_DirectoryNotExist(t *testing.T) {
	err := AtomicWrite("/nonexistent/dir/config.yaml", []byte("data"), 0600)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create temp file")
}
