package diaglog

import (
	"os"
	"sync"
)

// BackupPath is where the previous journal generation is kept.
func BackupPath(path string) string { return path + ".1" }

// rotatingWriter appends to the journal and, when a write would push it past
// maxSize, moves it to BackupPath and starts a new file. At most two
// generations exist on disk.
type rotatingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	f       *os.File
	size    int64
}

func newRotatingWriter(path string, maxSize int64) (*rotatingWriter, error) {
	rw := &rotatingWriter{path: path, maxSize: maxSize}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	rw.f, rw.size = f, info.Size()
	return nil
}

// Write appends p as one unit. Entries are synced so a crashed run keeps its
// journal.
func (rw *rotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.f.Write(p)
	rw.size += int64(n)
	if err != nil {
		return n, err
	}
	_ = rw.f.Sync()
	return n, nil
}

func (rw *rotatingWriter) rotate() error {
	if err := rw.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(rw.path, BackupPath(rw.path)); err != nil {
		// Keep journaling into the current file rather than losing entries.
		if oerr := rw.open(); oerr != nil {
			return oerr
		}
		return err
	}
	return rw.open()
}

func (rw *rotatingWriter) close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_ = rw.f.Sync()
	return rw.f.Close()
}
