package storage

import (
	"io"
	"testing"

	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/digest"
)

func newTestBlobStore(t *testing.T) *FSBlobStore {
	t.Helper()
	dir := build.TempDir("storage", t.Name())
	s, err := NewFSBlobStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutThenOpenReadRoundTrip(t *testing.T) {
	s := newTestBlobStore(t)
	data := []byte("the quick brown fox")
	hash := digest.Bytes(data)

	if err := s.Put(hash, data); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Has(hash)
	if err != nil || !ok {
		t.Fatalf("expected Has to report true, got %v, %v", ok, err)
	}
	r, err := s.OpenRead(hash)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestBlobStore(t)
	data := []byte("hello")
	hash := digest.Bytes(data)
	if err := s.Put(hash, data); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(hash, data); err != nil {
		t.Fatalf("second put of identical (hash, bytes) should succeed, got %v", err)
	}
}

func TestPutRejectsMismatchedHash(t *testing.T) {
	s := newTestBlobStore(t)
	if err := s.Put("notarealhash", []byte("hello")); err != ErrIntegrity {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestSizeReportsStoredLength(t *testing.T) {
	s := newTestBlobStore(t)
	data := []byte("sized contents")
	hash := digest.Bytes(data)
	if err := s.Put(hash, data); err != nil {
		t.Fatal(err)
	}
	n, err := s.Size(hash)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Fatalf("got size %d, want %d", n, len(data))
	}
	if _, err := s.Size(digest.Bytes([]byte("absent"))); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for an unknown hash, got %v", err)
	}
}

func TestHasReportsFalseForUnknownHash(t *testing.T) {
	s := newTestBlobStore(t)
	ok, err := s.Has(digest.Bytes([]byte("never stored")))
	if err != nil || ok {
		t.Fatalf("expected false, nil for an unknown hash, got %v, %v", ok, err)
	}
}

func TestOpenReadUnknownHashReturnsNotFound(t *testing.T) {
	s := newTestBlobStore(t)
	if _, err := s.OpenRead(digest.Bytes([]byte("nope"))); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
