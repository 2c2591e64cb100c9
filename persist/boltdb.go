package persist

import (
	"github.com/NebulousLabs/bolt"
	"github.com/NebulousLabs/errors"
)

var metadataBucket = []byte("PersistMetadata")

const (
	metaHeaderKey  = "header"
	metaVersionKey = "version"
)

// BoltDatabase wraps a *bolt.DB whose file carries a Metadata header,
// checked on open so a database written by an incompatible schema version
// is rejected instead of silently misread.
type BoltDatabase struct {
	*bolt.DB
	Metadata
}

// OpenDatabase opens (creating if necessary) the bolt database at filename,
// writing meta into it if the database is new, or verifying meta against
// the stored header/version if it already exists.
func OpenDatabase(meta Metadata, filename string) (*BoltDatabase, error) {
	db, err := bolt.Open(filename, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metadataBucket)
		if err != nil {
			return err
		}
		header := b.Get([]byte(metaHeaderKey))
		if header == nil {
			if err := b.Put([]byte(metaHeaderKey), []byte(meta.Header)); err != nil {
				return err
			}
			return b.Put([]byte(metaVersionKey), []byte(meta.Version))
		}
		version := b.Get([]byte(metaVersionKey))
		if string(header) != meta.Header || string(version) != meta.Version {
			return errors.New("database metadata does not match expected header/version")
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDatabase{DB: db, Metadata: meta}, nil
}
