package slices

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ManifestDir is the default manifest location inside an output directory.
const ManifestDir = ".manifest"

const patientPrefix = "patient/"

// ManifestEntry records one fully extracted patient.
type ManifestEntry struct {
	PatientID   string    `json:"patient"`
	Class       string    `json:"class"`
	Abnormal    bool      `json:"abnormal"`
	Slices      int       `json:"slices"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Manifest is the persistent index of extracted patients, consulted at start
// so re-runs skip work already on disk.
type Manifest interface {
	Has(patientID string) (bool, error)
	Mark(entry ManifestEntry) error
	Entries() ([]ManifestEntry, error)
	Close() error
}

// LevelDBManifest stores entries in a goleveldb database.
type LevelDBManifest struct {
	db *leveldb.DB
}

// OpenManifest opens or creates the manifest database in dir.
func OpenManifest(dir string) (*LevelDBManifest, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %s", dir)
	}
	return &LevelDBManifest{db: db}, nil
}

// NewMemoryManifest returns a manifest that lives only as long as the process.
func NewMemoryManifest() *LevelDBManifest {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// memory storage cannot fail to open
		panic(err)
	}
	return &LevelDBManifest{db: db}
}

// Has reports whether patientID was fully extracted by a previous run.
func (m *LevelDBManifest) Has(patientID string) (bool, error) {
	ok, err := m.db.Has([]byte(patientPrefix+patientID), nil)
	if err != nil {
		return false, errors.Wrapf(err, "look up patient %s", patientID)
	}
	return ok, nil
}

// Mark records entry, replacing any previous entry for the same patient.
func (m *LevelDBManifest) Mark(entry ManifestEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode manifest entry")
	}
	if err := m.db.Put([]byte(patientPrefix+entry.PatientID), val, nil); err != nil {
		return errors.Wrapf(err, "record patient %s", entry.PatientID)
	}
	return nil
}

// Entries returns all entries ordered by patient id.
func (m *LevelDBManifest) Entries() ([]ManifestEntry, error) {
	iter := m.db.NewIterator(util.BytesPrefix([]byte(patientPrefix)), nil)
	defer iter.Release()

	var entries []ManifestEntry
	for iter.Next() {
		var entry ManifestEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, errors.Wrapf(err, "decode manifest entry %s", iter.Key())
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterate manifest")
	}
	return entries, nil
}

// Close releases the database.
func (m *LevelDBManifest) Close() error {
	return m.db.Close()
}
