// Package service implements the server side of the four upload RPCs plus
// the ranged file read, on top of the BlobStore and
// MetadataStore capabilities in server/storage. It is the mirror image of
// uploadtask on the client: where uploadtask drives an upload forward,
// Service validates and answers each RPC a RequestAdapter implementation
// sends it.
package service

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"

	"github.com/SajanLamichhane/chunkflow/digest"
	"github.com/SajanLamichhane/chunkflow/protocol"
	"github.com/SajanLamichhane/chunkflow/server/storage"
)

// Service failure classes.
var (
	ErrInvalidToken = errors.New("invalid or expired upload token")
	ErrIntegrity    = errors.New("chunk bytes do not match the claimed hash")
	ErrNotFound     = errors.New("file not found")
	ErrIncomplete   = errors.New("manifest has not received every chunk")
	ErrHashMismatch = errors.New("received chunk hashes do not match the supplied merge list")
	ErrInvalidRange = errors.New("requested byte range is invalid")
)

// Config bounds the chunk sizes the server will negotiate and how long an
// issued upload token remains valid.
type Config struct {
	MinChunkSize     int64
	MaxChunkSize     int64
	DefaultChunkSize int64
	TokenTTL         time.Duration
	BaseURL          string
}

func (c Config) withDefaults() Config {
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = protocol.MinChunkSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = protocol.MaxChunkSize
	}
	if c.DefaultChunkSize <= 0 {
		c.DefaultChunkSize = protocol.DefaultChunkSize
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	return c
}

// Service implements the upload RPCs and the ranged file read, backed by
// a BlobStore and MetadataStore. It holds no other state: every call is
// self-contained, so a Service can be shared across as many concurrent
// RPCs as the underlying stores tolerate; blob writes are
// content-addressed and idempotent, so no service-level locking is
// required.
type Service struct {
	blobs    storage.BlobStore
	metadata storage.MetadataStore
	cfg      Config
	nowFunc  func() time.Time
}

// New constructs a Service over the given BlobStore/MetadataStore.
func New(blobs storage.BlobStore, metadata storage.MetadataStore, cfg Config) *Service {
	return &Service{blobs: blobs, metadata: metadata, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

func newID() string {
	return hex.EncodeToString(fastrand.Bytes(16))
}

// negotiateChunkSize clamps preferred into [min,max], falling back to the
// server's default when the client expressed no preference.
func (s *Service) negotiateChunkSize(preferred int64) int64 {
	if preferred <= 0 {
		return s.cfg.DefaultChunkSize
	}
	if preferred < s.cfg.MinChunkSize {
		return s.cfg.MinChunkSize
	}
	if preferred > s.cfg.MaxChunkSize {
		return s.cfg.MaxChunkSize
	}
	return preferred
}

// CreateFile mints a fileId and upload token, negotiates the chunk size,
// and persists a pending Manifest.
func (s *Service) CreateFile(req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
	fileID := newID()
	token := newID()
	chunkSize := s.negotiateChunkSize(req.PreferredChunkSize)

	err := s.metadata.CreateManifest(storage.Manifest{
		FileID:   fileID,
		FileName: req.FileName,
		FileSize: req.FileSize,
		MIMEType: req.FileType,
		Status:   storage.ManifestPending,
	})
	if err != nil {
		return protocol.CreateFileResponse{}, err
	}
	err = s.metadata.CreateToken(storage.TokenRecord{
		Token:               token,
		FileID:              fileID,
		NegotiatedChunkSize: chunkSize,
		ExpiresAt:           s.nowFunc().Add(s.cfg.TokenTTL).UnixNano() / int64(time.Millisecond),
	})
	if err != nil {
		return protocol.CreateFileResponse{}, err
	}
	return protocol.CreateFileResponse{UploadToken: token, NegotiatedChunkSize: chunkSize}, nil
}

// VerifyHash answers whether the file is already fully stored (by file
// hash), or, given a list of chunk hashes, which of them the BlobStore
// already holds.
func (s *Service) VerifyHash(req protocol.VerifyHashRequest) (protocol.VerifyHashResponse, error) {
	if _, err := s.metadata.GetToken(req.UploadToken); err != nil {
		return protocol.VerifyHashResponse{}, errors.Extend(err, ErrInvalidToken)
	}

	if req.FileHash != "" {
		if m, ok, err := s.metadata.FindCompletedByFileHash(req.FileHash); err != nil {
			return protocol.VerifyHashResponse{}, err
		} else if ok {
			return protocol.VerifyHashResponse{FileExists: true, FileURL: s.fileURL(m.FileID)}, nil
		}
	}

	var existing, missing []int
	for i, h := range req.ChunkHashes {
		ok, err := s.blobs.Has(h)
		if err != nil {
			return protocol.VerifyHashResponse{}, err
		}
		if ok {
			existing = append(existing, i)
		} else {
			missing = append(missing, i)
		}
	}
	return protocol.VerifyHashResponse{ExistingChunks: existing, MissingChunks: missing}, nil
}

// UploadChunk validates the token, rejects a content/hash mismatch with
// ErrIntegrity, idempotently stores the bytes, and records the chunk hash
// at its index in the manifest.
func (s *Service) UploadChunk(req protocol.UploadChunkRequest) (protocol.UploadChunkResponse, error) {
	tok, err := s.metadata.GetToken(req.UploadToken)
	if err != nil {
		return protocol.UploadChunkResponse{}, errors.Extend(err, ErrInvalidToken)
	}
	if digest.Bytes(req.ChunkBytes) != req.ChunkHash {
		return protocol.UploadChunkResponse{}, ErrIntegrity
	}
	if err := s.blobs.Put(req.ChunkHash, req.ChunkBytes); err != nil {
		return protocol.UploadChunkResponse{}, err
	}
	if err := s.metadata.SetChunkHash(tok.FileID, req.ChunkIndex, req.ChunkHash); err != nil {
		return protocol.UploadChunkResponse{}, err
	}
	return protocol.UploadChunkResponse{Success: true, ChunkHash: req.ChunkHash}, nil
}

// MergeFile validates that every index in chunkHashes either was received
// under this token with a bit-exactly matching hash, or names a blob the
// BlobStore already holds (which is then recorded at that index), and
// marks the manifest completed. No bytes are copied: the manifest's
// recorded chunk hashes become the file's permanent ordered layout.
func (s *Service) MergeFile(req protocol.MergeFileRequest) (protocol.MergeFileResponse, error) {
	tok, err := s.metadata.GetToken(req.UploadToken)
	if err != nil {
		return protocol.MergeFileResponse{}, errors.Extend(err, ErrInvalidToken)
	}
	m, err := s.metadata.GetManifest(tok.FileID)
	if err != nil {
		return protocol.MergeFileResponse{}, err
	}
	if len(m.ChunkHashes) > len(req.ChunkHashes) {
		return protocol.MergeFileResponse{}, ErrHashMismatch
	}
	for i, h := range req.ChunkHashes {
		var recorded string
		if i < len(m.ChunkHashes) {
			recorded = m.ChunkHashes[i]
		}
		if recorded == h {
			continue
		}
		if recorded != "" {
			return protocol.MergeFileResponse{}, ErrHashMismatch
		}
		// Never uploaded under this token. Content addressing still
		// completes the file when another upload already stored the
		// blob; adopt it into the manifest at this index.
		ok, err := s.blobs.Has(h)
		if err != nil {
			return protocol.MergeFileResponse{}, err
		}
		if !ok {
			return protocol.MergeFileResponse{}, ErrIncomplete
		}
		if err := s.metadata.SetChunkHash(tok.FileID, i, h); err != nil {
			return protocol.MergeFileResponse{}, err
		}
	}
	if err := s.metadata.CompleteManifest(tok.FileID, req.FileHash); err != nil {
		return protocol.MergeFileResponse{}, err
	}
	return protocol.MergeFileResponse{Success: true, FileURL: s.fileURL(tok.FileID), FileID: tok.FileID}, nil
}

func (s *Service) fileURL(fileID string) string {
	if s.cfg.BaseURL == "" {
		return "/files/" + fileID
	}
	return s.cfg.BaseURL + "/files/" + fileID
}

// ByteRange is an inclusive [Start, End] byte range of absolute file
// offsets, matching the wire format of an HTTP Range: bytes=start-end
// header.
type ByteRange struct {
	Start int64
	End   int64
}

// FileStream is the result of GetFileStream: a reader yielding exactly
// the requested bytes (the whole file if no range was given), the file's
// MIME type, its total size, and whether the result is a partial range.
type FileStream struct {
	Body     io.ReadCloser
	MIMEType string
	Total    int64
	Partial  bool
	Range    ByteRange
}

// GetFileStream looks up fileID's manifest and produces a stream over
// its ordered chunk blobs, optionally restricted to rng. An unknown
// fileID fails with ErrNotFound; an incomplete manifest (merge never
// called) fails with ErrIncomplete, which the HTTP layer also reports as
// 404, since an unmerged file was never made available.
func (s *Service) GetFileStream(fileID string, rng *ByteRange) (FileStream, error) {
	m, err := s.metadata.GetManifest(fileID)
	if err != nil {
		if err == storage.ErrManifestNotFound {
			return FileStream{}, ErrNotFound
		}
		return FileStream{}, err
	}
	if m.Status != storage.ManifestCompleted {
		return FileStream{}, ErrIncomplete
	}

	chunkSizes, total, err := s.chunkSizes(m)
	if err != nil {
		return FileStream{}, err
	}

	if rng == nil {
		r, err := s.chainedReader(m.ChunkHashes, chunkSizes, 0, total)
		if err != nil {
			return FileStream{}, err
		}
		return FileStream{Body: r, MIMEType: m.MIMEType, Total: total}, nil
	}

	start, end := rng.Start, rng.End
	if start < 0 || end < start || start >= total {
		return FileStream{}, ErrInvalidRange
	}
	if end >= total {
		end = total - 1
	}
	r, err := s.chainedReader(m.ChunkHashes, chunkSizes, start, end+1)
	if err != nil {
		return FileStream{}, err
	}
	return FileStream{Body: r, MIMEType: m.MIMEType, Total: total, Partial: true, Range: ByteRange{Start: start, End: end}}, nil
}

// chunkSizes returns each chunk's stored byte length plus their sum,
// which for a completed manifest equals the file size.
func (s *Service) chunkSizes(m storage.Manifest) ([]int64, int64, error) {
	sizes := make([]int64, len(m.ChunkHashes))
	var total int64
	for i, h := range m.ChunkHashes {
		n, err := s.blobs.Size(h)
		if err != nil {
			return nil, 0, err
		}
		sizes[i] = n
		total += n
	}
	return sizes, total, nil
}

// chainedReader returns a reader over the concatenation of the chunks
// named by hashes, restricted to the absolute byte range [from, to).
func (s *Service) chainedReader(hashes []string, sizes []int64, from, to int64) (io.ReadCloser, error) {
	var readers []io.Reader
	var closers []io.Closer
	var offset int64
	for i, h := range hashes {
		chunkStart := offset
		chunkEnd := offset + sizes[i]
		offset = chunkEnd
		// Skip chunks entirely before or after the requested window.
		if chunkEnd <= from || chunkStart >= to {
			continue
		}
		r, err := s.blobs.OpenRead(h)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
		closers = append(closers, r)
		lo := int64(0)
		if from > chunkStart {
			lo = from - chunkStart
		}
		hi := sizes[i]
		if to < chunkEnd {
			hi = to - chunkStart
		}
		if lo > 0 {
			if _, err := io.CopyN(io.Discard, r, lo); err != nil {
				for _, c := range closers {
					c.Close()
				}
				return nil, err
			}
		}
		readers = append(readers, io.LimitReader(r, hi-lo))
	}
	return &multiReadCloser{r: io.MultiReader(readers...), closers: closers}, nil
}

type multiReadCloser struct {
	r       io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *multiReadCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
