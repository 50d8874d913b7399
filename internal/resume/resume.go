// Package resume implements the Resume Store: durable persistence of
// transferID → lastConfirmedSequence, keyed in a single bbolt database
// by transferID, giving atomic-write, namespace-by-transferID semantics
// without hand-rolled file locking.
package resume

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"
)

var bucketName = []byte("resume")

// Record is the persisted resume state for one transfer: transferID,
// fileName, fileSize, sha256Hex, chunkSize, lastConfirmedSequence, and
// updatedAt.
type Record struct {
	TransferID            [16]byte
	FileName              string
	FileSize              uint64
	SHA256Hex             string
	ChunkSize             uint32
	LastConfirmedSequence uint64
	UpdatedAt             time.Time
}

// Store is a bbolt-backed keyed store of Records, namespaced by
// transferID. Concurrent saves to the same transferID are the caller's
// responsibility to serialize; one Session owns one transferID at a time.
type Store struct {
	log *logging.Logger
	db  *bbolt.DB
}

// Open opens (creating if necessary) the resume store at path.
func Open(path string, log *logging.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("resume: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resume: create bucket: %w", err)
	}
	return &Store{log: log, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save atomically writes or overwrites the full resume state for
// transferID, stamping UpdatedAt with the current time.
func (s *Store) Save(transferID [16]byte, fileName string, fileSize uint64, sha256Hex string, chunkSize uint32, lastConfirmedSequence uint64) error {
	record := Record{
		TransferID:            transferID,
		FileName:              fileName,
		FileSize:              fileSize,
		SHA256Hex:             sha256Hex,
		ChunkSize:             chunkSize,
		LastConfirmedSequence: lastConfirmedSequence,
		UpdatedAt:             time.Now(),
	}
	encoded, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("resume: encode: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(transferID[:], encoded)
	})
	if err != nil {
		return fmt.Errorf("resume: save %x: %w", transferID[:], err)
	}
	s.log.Debugf("resume: saved transferID=%x lastConfirmedSequence=%d", transferID[:], lastConfirmedSequence)
	return nil
}

// Load returns the resume record for transferID, or (nil, nil) if no
// record has ever been saved for it.
func (s *Store) Load(transferID [16]byte) (*Record, error) {
	var record *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(transferID[:])
		if raw == nil {
			return nil
		}
		record = &Record{}
		return cbor.Unmarshal(raw, record)
	})
	if err != nil {
		return nil, fmt.Errorf("resume: load %x: %w", transferID[:], err)
	}
	return record, nil
}

// Delete removes the resume record for transferID. It is not an error if
// no record exists.
func (s *Store) Delete(transferID [16]byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(transferID[:])
	})
	if err != nil {
		return fmt.Errorf("resume: delete %x: %w", transferID[:], err)
	}
	s.log.Debugf("resume: deleted transferID=%x", transferID[:])
	return nil
}
