// Package storage implements the server-side BlobStore and MetadataStore
// capabilities: a content-addressed blob store on the local filesystem,
// sharded by hash prefix and written with an atomic
// temp-file-then-rename discipline, and a bolt-backed manifest/token
// store where every mutation commits in a single transaction.
package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/NebulousLabs/errors"

	"github.com/SajanLamichhane/chunkflow/digest"
	"github.com/SajanLamichhane/chunkflow/persist"
)

// Storage failure classes.
var (
	ErrIntegrity   = errors.New("chunk bytes do not match the claimed hash")
	ErrNotFound    = errors.New("blob not found")
	ErrUnavailable = errors.New("blob store is unavailable")
)

// BlobStore is a content-addressed store of chunk bytes, keyed by the
// hash of their content. Put is idempotent: storing the same hash twice
// leaves the store in the same state, giving cross-file dedup without any
// refcounting: a chunk blob is never removed, so there is nothing to
// count.
type BlobStore interface {
	// Put idempotently stores data under hash. If a blob already exists
	// under hash, Put returns nil without touching the filesystem again.
	Put(hash string, data []byte) error
	// Has reports whether a blob is already stored under hash.
	Has(hash string) (bool, error)
	// Size returns the byte length of the blob stored under hash, or
	// ErrNotFound.
	Size(hash string) (int64, error)
	// OpenRead returns a ReadCloser yielding the full contents of the blob
	// stored under hash, or ErrNotFound.
	OpenRead(hash string) (io.ReadCloser, error)
}

// FSBlobStore is the filesystem BlobStore reference implementation.
// Blobs are sharded two levels deep by the first four hex characters of
// their hash (ab/cd/<hash>) to keep any one directory from accumulating
// an unbounded number of entries.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore returns a BlobStore rooted at dir, creating dir if it
// does not already exist.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Extend(err, ErrUnavailable)
	}
	return &FSBlobStore{root: dir}, nil
}

func (s *FSBlobStore) path(hash string) string {
	shard := hash
	if len(shard) > 4 {
		shard = shard[:4]
	}
	return filepath.Join(s.root, shard[:2], shard[2:], hash)
}

// Put stores data under hash, first verifying data actually hashes to
// hash (callers are expected to have already checked this, but the store
// enforces its own content-addressing invariant regardless of caller
// discipline). An existing blob under hash is left untouched and Put
// returns nil, making repeated delivery of the same (hash, bytes) pair a
// no-op the second time.
func (s *FSBlobStore) Put(hash string, data []byte) error {
	if digest.Bytes(data) != hash {
		return ErrIntegrity
	}
	if ok, err := s.Has(hash); err != nil {
		return err
	} else if ok {
		return nil
	}
	dst := s.path(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return errors.Extend(err, ErrUnavailable)
	}
	sf, err := persist.NewSafeFile(dst)
	if err != nil {
		return errors.Extend(err, ErrUnavailable)
	}
	if _, err := sf.Write(data); err != nil {
		sf.Close()
		return errors.Extend(err, ErrUnavailable)
	}
	if err := sf.Commit(); err != nil {
		return errors.Extend(err, ErrUnavailable)
	}
	return nil
}

// Has reports whether hash is already stored.
func (s *FSBlobStore) Has(hash string) (bool, error) {
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Extend(err, ErrUnavailable)
}

// Size returns the byte length of the blob stored under hash.
func (s *FSBlobStore) Size(hash string) (int64, error) {
	stat, err := os.Stat(s.path(hash))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Extend(err, ErrUnavailable)
	}
	return stat.Size(), nil
}

// OpenRead opens the blob stored under hash for reading.
func (s *FSBlobStore) OpenRead(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Extend(err, ErrUnavailable)
	}
	return f, nil
}
