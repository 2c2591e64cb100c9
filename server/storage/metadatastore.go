package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NebulousLabs/bolt"
	"github.com/NebulousLabs/errors"

	"github.com/SajanLamichhane/chunkflow/persist"
)

var dbMetadata = persist.Metadata{Header: "Chunkflow Server Metadata", Version: "1.0"}

var (
	manifestsBucket = []byte("Manifests")
	tokensBucket    = []byte("UploadTokens")
)

// Error taxonomy specific to metadata operations.
var (
	ErrTokenNotFound    = errors.New("upload token not found")
	ErrTokenExpired     = errors.New("upload token has expired")
	ErrManifestNotFound = errors.New("manifest not found")
)

// ManifestStatus is the lifecycle state of a server-side Manifest.
type ManifestStatus string

const (
	ManifestPending   ManifestStatus = "pending"
	ManifestCompleted ManifestStatus = "completed"
)

// Manifest is the server's record of one logical file: its identity, the
// ordered chunk hashes received so far (empty string at an index means
// that chunk has not arrived yet), and whether merge has completed.
type Manifest struct {
	FileID      string         `json:"fileId"`
	FileName    string         `json:"fileName"`
	FileSize    int64          `json:"fileSize"`
	MIMEType    string         `json:"mimeType"`
	ChunkHashes []string       `json:"chunkHashes"`
	FileHash    string         `json:"fileHash,omitempty"`
	Status      ManifestStatus `json:"status"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// clone returns a deep copy so callers can't mutate the store's state
// through a returned value.
func (m Manifest) clone() Manifest {
	c := m
	c.ChunkHashes = append([]string(nil), m.ChunkHashes...)
	return c
}

// TokenRecord binds an issued upload token to the file it was minted for,
// the chunk size the server negotiated, and the token's expiry.
type TokenRecord struct {
	Token               string `json:"token"`
	FileID              string `json:"fileId"`
	NegotiatedChunkSize int64  `json:"negotiatedChunkSize"`
	ExpiresAt           int64  `json:"expiresAt"`
}

// MetadataStore is the capability the service layer uses for atomic
// operations on Manifests and issued UploadTokens.
type MetadataStore interface {
	CreateToken(rec TokenRecord) error
	GetToken(token string) (TokenRecord, error)
	CreateManifest(m Manifest) error
	GetManifest(fileID string) (Manifest, error)
	FindCompletedByFileHash(fileHash string) (Manifest, bool, error)
	SetChunkHash(fileID string, index int, hash string) error
	CompleteManifest(fileID string, fileHash string) error
	Close() error
}

// BoltMetadataStore is the bolt-backed MetadataStore reference
// implementation, built on persist.BoltDatabase with the same atomic
// read-modify-write discipline progressstore.Store
// uses on the client side: every mutation happens inside a single bolt
// transaction, so a reader never observes a half-applied update.
type BoltMetadataStore struct {
	mu      sync.Mutex
	db      *persist.BoltDatabase
	nowFunc func() int64
}

// NewBoltMetadataStore opens (creating if necessary) the bolt database at
// path.
func NewBoltMetadataStore(path string) (*BoltMetadataStore, error) {
	db, err := persist.OpenDatabase(dbMetadata, path)
	if err != nil {
		return nil, errors.Extend(err, ErrUnavailable)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(manifestsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Extend(err, ErrUnavailable)
	}
	return &BoltMetadataStore{db: db, nowFunc: nowMillis}, nil
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// CreateToken persists rec, overwriting any existing record with the same
// token.
func (s *BoltMetadataStore) CreateToken(rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Extend(err, ErrUnavailable)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(rec.Token), data)
	})
}

// GetToken looks up a token, returning ErrTokenNotFound if it was never
// issued and ErrTokenExpired if its expiresAt has passed.
func (s *BoltMetadataStore) GetToken(token string) (TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec TokenRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(token))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return TokenRecord{}, errors.Extend(err, ErrUnavailable)
	}
	if !found {
		return TokenRecord{}, ErrTokenNotFound
	}
	if rec.ExpiresAt > 0 && s.nowFunc() > rec.ExpiresAt {
		return TokenRecord{}, ErrTokenExpired
	}
	return rec, nil
}

// CreateManifest persists m, overwriting any existing manifest with the
// same FileID.
func (s *BoltMetadataStore) CreateManifest(m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	m.CreatedAt, m.UpdatedAt = now, now
	return s.putManifestLocked(m)
}

func (s *BoltMetadataStore) putManifestLocked(m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Extend(err, ErrUnavailable)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).Put([]byte(m.FileID), data)
	})
}

// GetManifest returns the manifest for fileID, or ErrManifestNotFound.
func (s *BoltMetadataStore) GetManifest(fileID string) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok, err := s.getManifestLocked(fileID)
	if err != nil {
		return Manifest{}, err
	}
	if !ok {
		return Manifest{}, ErrManifestNotFound
	}
	return m.clone(), nil
}

func (s *BoltMetadataStore) getManifestLocked(fileID string) (Manifest, bool, error) {
	var m Manifest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(manifestsBucket).Get([]byte(fileID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return Manifest{}, false, errors.Extend(err, ErrUnavailable)
	}
	return m, found, nil
}

// FindCompletedByFileHash scans for a completed manifest whose FileHash
// matches, implying a prior upload of the same content already
// succeeded. The dataset of manifests is expected to be modest in size,
// so a linear scan (the same approach progressstore.Store.GetAllRecords
// takes for its own bucket) is adequate; a production deployment would
// add a secondary index keyed by file hash.
func (s *BoltMetadataStore) FindCompletedByFileHash(fileHash string) (Manifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found Manifest
	ok := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).ForEach(func(k, v []byte) error {
			if ok {
				return nil
			}
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Status == ManifestCompleted && m.FileHash == fileHash {
				found = m
				ok = true
			}
			return nil
		})
	})
	if err != nil {
		return Manifest{}, false, errors.Extend(err, ErrUnavailable)
	}
	if !ok {
		return Manifest{}, false, nil
	}
	return found.clone(), true, nil
}

// SetChunkHash records hash as the chunk received at index within
// fileID's manifest, growing ChunkHashes as needed. The read-modify-write
// is serialized under the store mutex, so concurrent uploadChunk calls
// for different indices of the same file never lose an update.
func (s *BoltMetadataStore) SetChunkHash(fileID string, index int, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok, err := s.getManifestLocked(fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrManifestNotFound
	}
	for len(m.ChunkHashes) <= index {
		m.ChunkHashes = append(m.ChunkHashes, "")
	}
	m.ChunkHashes[index] = hash
	m.UpdatedAt = s.nowFunc()
	return s.putManifestLocked(m)
}

// CompleteManifest marks fileID's manifest completed and binds fileHash.
func (s *BoltMetadataStore) CompleteManifest(fileID string, fileHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok, err := s.getManifestLocked(fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrManifestNotFound
	}
	m.Status = ManifestCompleted
	m.FileHash = fileHash
	m.UpdatedAt = s.nowFunc()
	return s.putManifestLocked(m)
}

// Close closes the underlying database.
func (s *BoltMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
