package persist

import (
	"encoding/json"
	"io/ioutil"

	"github.com/NebulousLabs/errors"
)

// Metadata identifies the schema of a persisted JSON document, so that
// LoadJSON can refuse to load a file written by an incompatible version.
type Metadata struct {
	Header  string
	Version string
}

type jsonDoc struct {
	Metadata
	Data json.RawMessage
}

// ErrMetadataMismatch is returned by LoadJSON when the file's stored
// Metadata does not match the Metadata the caller expects.
var ErrMetadataMismatch = errors.New("persisted file has mismatched header or version")

// SaveJSON writes object to filename as JSON, tagged with meta, using a
// SafeFile so a crash mid-write cannot corrupt the previous contents.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	data, err := json.Marshal(object)
	if err != nil {
		return err
	}
	doc := jsonDoc{Metadata: meta, Data: data}
	full, err := json.MarshalIndent(doc, "", "\t")
	if err != nil {
		return err
	}
	sf, err := NewSafeFile(filename)
	if err != nil {
		return err
	}
	if _, err := sf.Write(full); err != nil {
		sf.Close()
		return err
	}
	return sf.Commit()
}

// LoadJSON reads filename and unmarshals its data into object, verifying
// that the stored Metadata matches meta.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	var doc jsonDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc.Header != meta.Header || doc.Version != meta.Version {
		return ErrMetadataMismatch
	}
	return json.Unmarshal(doc.Data, object)
}
