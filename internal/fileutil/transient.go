package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// TransientFile is a short-lived file holding secrets or generated
// configuration. The file is removed from disk when Close is called.
type TransientFile struct {
	path string

	once     sync.Once
	closeErr error
}

// CreateTransient writes data to a new uniquely named file in dir with the
// given extension and permissions. An empty dir means os.TempDir().
func CreateTransient(dir, ext string, data []byte, perm os.FileMode) (*TransientFile, error) {
	pattern := "tunnel-*"
	if ext != "" {
		pattern += "." + ext
	}

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create transient file: %w", err)
	}
	path := f.Name()

	if err := writeAndSync(f, data); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if err := os.Chmod(path, perm); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("chmod transient file: %w", err)
	}

	return &TransientFile{path: path}, nil
}

// Path returns the location of the file on disk.
func (f *TransientFile) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Close deletes the file. It is safe to call more than once and on a nil
// receiver; only the first call touches the filesystem.
func (f *TransientFile) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		err := os.Remove(f.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.closeErr = fmt.Errorf("remove transient file: %w", err)
		}
	})
	return f.closeErr
}
