package fs

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path using the write-to-temp-then-rename
// discipline: a crash at any step leaves either the previous file intact or
// a stray .tmp file, never a half-written artifact at the final path.
func WriteFileAtomic(fsys FileSystem, path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"

	f, err := fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = fsys.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = fsys.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmpPath)
		return err
	}

	if err := fsys.Rename(tmpPath, path); err != nil {
		_ = fsys.Remove(tmpPath)
		return err
	}

	// Persist the rename itself. Best effort: some platforms cannot
	// open directories for syncing.
	SyncDir(fsys, filepath.Dir(path))

	return nil
}

// SyncDir fsyncs a directory so a preceding rename survives power loss.
// Errors are ignored; directory sync is an optimization of the durability
// window, not a correctness requirement for readers.
func SyncDir(fsys FileSystem, dir string) {
	d, err := fsys.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
