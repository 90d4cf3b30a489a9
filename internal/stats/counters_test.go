package stats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCounters(t *testing.T, root, iface, rx, tx string) {
	t.Helper()
	dir := filepath.Join(root, iface, "statistics")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rx_bytes"), []byte(rx), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tx_bytes"), []byte(tx), 0644))
}

func TestSysfsCounters_ReadCounters(t *testing.T) {
	root := t.TempDir()
	writeCounters(t, root, "tun0", "123456\n", "7890\n")

	read, write, err := SysfsCounters{Root: root}.ReadCounters("tun0")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), read)
	assert.Equal(t, int64(7890), write)
}

func TestSysfsCounters_MissingInterface(t *testing.T) {
	_, _, err := SysfsCounters{Root: t.TempDir()}.ReadCounters("tun9")
	assert.Error(t, err)
}

func TestSysfsCounters_Malformed(t *testing.T) {
	root := t.TempDir()
	writeCounters(t, root, "tun0", "lots", "0")

	_, _, err := SysfsCounters{Root: root}.ReadCounters("tun0")
	assert.Error(t, err)
}

func TestReadStatFile_PathTraversal(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"parent escape", "/sys/class/net/../../../etc/passwd"},
		{"absolute path outside sysfs", "/etc/passwd"},
		{"relative traversal", "/sys/class/net/eth0/../../shadow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readStatFile(sysfsNetPath, tt.path)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestSysfsCounters_InterfaceNameCannotEscape(t *testing.T) {
	_, _, err := SysfsCounters{Root: t.TempDir()}.ReadCounters("../../etc")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
