// Package persist provides the small set of on-disk durability primitives
// shared by chunkflow's client and server sides: an atomic "write to temp,
// fsync, rename" file (SafeFile), JSON metadata-tagged save/load, a
// bracketed startup/shutdown file logger, and a versioned bolt database
// wrapper. The same primitives back settings files, logs, and databases
// across the module.
package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NebulousLabs/fastrand"
)

// RandomSuffix returns an 8-character hex string, used to give temporary
// files unique names.
func RandomSuffix() string {
	return fmt.Sprintf("%x", fastrand.Bytes(4))
}

// SafeFile wraps an *os.File that was created under a temporary name in the
// same directory as its eventual final name. Callers write to it normally;
// Commit fsyncs the temp file and renames it into place, so a crash never
// leaves a half-written file at the final path.
type SafeFile struct {
	*os.File
	finalName string
}

// NewSafeFile creates a temporary file alongside finalName and returns a
// SafeFile wrapping it. The temp file's name is intentionally different
// from finalName so a reader opening finalName never observes partial
// writes. finalName is resolved to an absolute path up front, so the
// commit lands at the path as seen at construction time even if the
// working directory changes in between.
func NewSafeFile(finalName string) (*SafeFile, error) {
	finalName, err := filepath.Abs(finalName)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(finalName)
	tmpName := filepath.Join(dir, filepath.Base(finalName)+".tmp."+RandomSuffix())
	f, err := os.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &SafeFile{File: f, finalName: finalName}, nil
}

// Commit fsyncs the temporary file's contents and atomically renames it to
// the SafeFile's final name.
func (sf *SafeFile) Commit() error {
	if err := sf.File.Sync(); err != nil {
		return err
	}
	if err := sf.File.Close(); err != nil {
		return err
	}
	return os.Rename(sf.File.Name(), sf.finalName)
}
