// Package progressstore persists the client-side UploadRecord table: the
// only state that survives a client restart. It is backed by a bolt
// database via the persist wrapper, giving resumable uploads durability
// without a separate database server.
package progressstore

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/NebulousLabs/bolt"
	"github.com/NebulousLabs/errors"

	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/persist"
	"github.com/SajanLamichhane/chunkflow/protocol"
)

// Store failure classes.
var (
	ErrStorageUnavailable = errors.New("progress store is unavailable")
	ErrOperationFailed    = errors.New("progress store operation failed")
	ErrQuotaExceeded      = errors.New("progress store quota exceeded")
	ErrNotFound           = errors.New("no record for that task id")
)

var dbMetadata = persist.Metadata{Header: "Chunkflow Progress Store", Version: "1.0"}

var recordsBucket = []byte("UploadRecords")

// UploadRecord is the persisted state of one in-flight or completed upload
// task.
type UploadRecord struct {
	TaskID         string            `json:"taskId"`
	File           protocol.FileInfo `json:"file"`
	UploadedChunks []int             `json:"uploadedChunks"`
	UploadToken    string            `json:"uploadToken"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// clone returns a deep copy, so callers mutating a returned record never
// corrupt the store's own state.
func (r UploadRecord) clone() UploadRecord {
	c := r
	c.UploadedChunks = append([]int(nil), r.UploadedChunks...)
	return c
}

// Patch describes a partial update to an UploadRecord. Nil fields are left
// unchanged; TaskID is never patchable. UpdatedAt is always stamped by the
// store, regardless of what Patch contains.
type Patch struct {
	UploadedChunks *[]int
	UploadToken    *string
	FileHash       *string
}

// Store is a key-value store of UploadRecords keyed by taskId, backed by an
// embedded bolt database. If the backing database becomes unavailable, the
// store degrades: writes return ErrStorageUnavailable rather than panicking,
// so the manager can fall back to in-memory operation.
type Store struct {
	mu        sync.Mutex
	db        *persist.BoltDatabase
	available bool
	nowFunc   func() int64
}

// Init opens (creating if necessary) the bolt database at path.
func Init(path string) (*Store, error) {
	db, err := persist.OpenDatabase(dbMetadata, path)
	if err != nil {
		return nil, errors.Extend(err, ErrStorageUnavailable)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Extend(err, ErrOperationFailed)
	}
	return &Store{db: db, available: true, nowFunc: nowMillis}, nil
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// SaveRecord stores r, overwriting any existing record with the same
// TaskID. CreatedAt is stamped if the caller left it zero; UpdatedAt is
// always stamped.
func (s *Store) SaveRecord(r UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrStorageUnavailable
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = s.nowFunc()
	}
	r.UpdatedAt = s.nowFunc()
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Extend(err, ErrOperationFailed)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(r.TaskID), data)
	})
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// GetRecord returns the record for taskId, or ErrNotFound.
func (s *Store) GetRecord(taskID string) (UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return UploadRecord{}, ErrStorageUnavailable
	}
	var r UploadRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(taskID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		return UploadRecord{}, s.classify(err)
	}
	if !found {
		return UploadRecord{}, ErrNotFound
	}
	return r.clone(), nil
}

// UpdateRecord performs a read-modify-write of the record for taskId,
// applying patch and always stamping UpdatedAt. Fields absent from patch
// (nil pointers) are left unchanged; TaskID is immutable.
func (s *Store) UpdateRecord(taskID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrStorageUnavailable
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get([]byte(taskID))
		if v == nil {
			return ErrNotFound
		}
		var r UploadRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return errors.Extend(err, ErrOperationFailed)
		}
		if patch.UploadedChunks != nil {
			r.UploadedChunks = append([]int(nil), (*patch.UploadedChunks)...)
		}
		if patch.UploadToken != nil {
			r.UploadToken = *patch.UploadToken
		}
		if patch.FileHash != nil {
			r.File.FileHash = *patch.FileHash
		}
		r.UpdatedAt = s.nowFunc()
		data, err := json.Marshal(r)
		if err != nil {
			return errors.Extend(err, ErrOperationFailed)
		}
		return b.Put([]byte(taskID), data)
	})
}

// DeleteRecord removes the record for taskId. Deleting a nonexistent record
// is not an error.
func (s *Store) DeleteRecord(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrStorageUnavailable
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(taskID))
	})
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// GetAllRecords returns every persisted record, sorted by TaskID for
// deterministic iteration.
func (s *Store) GetAllRecords() ([]UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, ErrStorageUnavailable
	}
	var records []UploadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var r UploadRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, s.classify(err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TaskID < records[j].TaskID })
	return records, nil
}

// ClearAll deletes every persisted record.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrStorageUnavailable
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// Close closes the underlying database. Further operations return
// ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = false
	return s.db.Close()
}

// classify maps a low-level bolt error onto the store's public taxonomy. Any
// failure here also flips the store into its unavailable, in-memory-only
// degraded mode so subsequent writes fail fast instead of retrying against a
// broken backend.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if err == ErrNotFound {
		return err
	}
	if s.available {
		build.Severe("progress store abandoning its backing database:", err)
	}
	s.available = false
	return errors.Extend(err, ErrStorageUnavailable)
}
