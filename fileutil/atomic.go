// Package fileutil holds small file-system helpers shared by the writers.
package fileutil

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteAtomic writes data to a temporary file in the destination directory
// and renames it over filename, so readers see either the old or the new
// contents and never a partial file.
func WriteAtomic(fs afero.Fs, filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := afero.TempFile(fs, dir, ".tmp-"+filepath.Base(filename)+"-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fs.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpPath)
		return err
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		fs.Remove(tmpPath)
		return err
	}
	if err := fs.Rename(tmpPath, filename); err != nil {
		fs.Remove(tmpPath)
		return err
	}
	return nil
}

// EnsureDir creates dir and its parents if they do not exist.
func EnsureDir(fs afero.Fs, dir string) error {
	return fs.MkdirAll(dir, 0755)
}
