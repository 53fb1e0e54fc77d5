package collection

import (
	"os"
	"path/filepath"
)

// fileLock is the per-collection advisory lock. Mutating operations hold it
// for their duration; readers never take it and rely on atomic renames
// instead.
//
// The lock is taken on a dedicated LOCK file through the real OS, not the
// injected FileSystem: advisory locking needs an actual file descriptor.
type fileLock struct {
	f *os.File
}

// acquireLock blocks until the collection's exclusive advisory lock is held.
func acquireLock(dir string) (*fileLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

// Release drops the lock.
func (l *fileLock) Release() error {
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
