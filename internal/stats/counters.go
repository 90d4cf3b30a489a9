package stats

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsNetPath is the base path for network interface statistics.
const sysfsNetPath = "/sys/class/net"

// ErrInvalidPath is returned for counter paths outside the statistics root.
var ErrInvalidPath = errors.New("invalid stats path: outside sysfs network directory")

// CounterReader reads cumulative byte counters of a network interface.
type CounterReader interface {
	ReadCounters(iface string) (read, write int64, err error)
}

// SysfsCounters reads rx_bytes/tx_bytes from /sys/class/net/<iface>/statistics.
type SysfsCounters struct {
	// Root overrides sysfsNetPath, for tests.
	Root string
}

// ReadCounters implements CounterReader.
func (c SysfsCounters) ReadCounters(iface string) (read, write int64, err error) {
	root := c.root()
	dir := filepath.Join(root, iface, "statistics")

	read, err = readStatFile(root, filepath.Join(dir, "rx_bytes"))
	if err != nil {
		return 0, 0, err
	}
	write, err = readStatFile(root, filepath.Join(dir, "tx_bytes"))
	if err != nil {
		return 0, 0, err
	}
	return read, write, nil
}

func (c SysfsCounters) root() string {
	if c.Root != "" {
		return filepath.Clean(c.Root)
	}
	return sysfsNetPath
}

// readStatFile parses a single counter file. The path must stay under root
// so an interface name taken from daemon output cannot escape it.
func readStatFile(root, path string) (int64, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return 0, ErrInvalidPath
	}

	data, err := os.ReadFile(clean) // #nosec G304 -- path validated above
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
