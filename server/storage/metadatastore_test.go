package storage

import (
	"os"
	"testing"

	"github.com/SajanLamichhane/chunkflow/build"
)

func newTestMetadataStore(t *testing.T) *BoltMetadataStore {
	t.Helper()
	dir := build.TempDir("storage", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	s, err := NewBoltMetadataStore(dir + "/metadata.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenCreateAndGet(t *testing.T) {
	s := newTestMetadataStore(t)
	rec := TokenRecord{Token: "tok-1", FileID: "file-1", NegotiatedChunkSize: 1 << 20, ExpiresAt: 0}
	if err := s.CreateToken(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetToken("tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestGetTokenMissingReturnsNotFound(t *testing.T) {
	s := newTestMetadataStore(t)
	if _, err := s.GetToken("nope"); err != ErrTokenNotFound {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestGetTokenExpiredReturnsExpired(t *testing.T) {
	s := newTestMetadataStore(t)
	rec := TokenRecord{Token: "tok-2", FileID: "file-2", ExpiresAt: 1}
	if err := s.CreateToken(rec); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetToken("tok-2"); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestManifestSetChunkHashAndComplete(t *testing.T) {
	s := newTestMetadataStore(t)
	m := Manifest{FileID: "file-3", FileName: "a.bin", FileSize: 3, Status: ManifestPending}
	if err := s.CreateManifest(m); err != nil {
		t.Fatal(err)
	}
	if err := s.SetChunkHash("file-3", 1, "hash-at-1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetManifest("file-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ChunkHashes) != 2 || got.ChunkHashes[0] != "" || got.ChunkHashes[1] != "hash-at-1" {
		t.Fatalf("unexpected chunk hashes: %+v", got.ChunkHashes)
	}

	if err := s.CompleteManifest("file-3", "final-file-hash"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetManifest("file-3")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ManifestCompleted || got.FileHash != "final-file-hash" {
		t.Fatalf("manifest not completed as expected: %+v", got)
	}
}

func TestFindCompletedByFileHash(t *testing.T) {
	s := newTestMetadataStore(t)
	if err := s.CreateManifest(Manifest{FileID: "pending-1", Status: ManifestPending}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateManifest(Manifest{FileID: "done-1", Status: ManifestCompleted, FileHash: "abc"}); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.FindCompletedByFileHash("doesnotexist")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no match for an unknown file hash")
	}

	m, ok, err := s.FindCompletedByFileHash("abc")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || m.FileID != "done-1" {
		t.Fatalf("expected to find done-1, got %+v, %v", m, ok)
	}
}

func TestSetChunkHashUnknownManifestFails(t *testing.T) {
	s := newTestMetadataStore(t)
	if err := s.SetChunkHash("nope", 0, "h"); err != ErrManifestNotFound {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}
}
