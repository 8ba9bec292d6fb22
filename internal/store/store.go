// Package store provides Pebble's persistent metadata store: a keyed
// table of file records and a transfer-resume table, both backed by a
// single embedded bbolt database file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/pebblesync/pebble"
)

// ErrNotFound is returned when an operation targets a path or
// transfer_id that has no row in the store.
var ErrNotFound = errors.New("store: not found")

var (
	filesBucket     = []byte("files")
	transfersBucket = []byte("transfers")
)

// Store is a handle on the metadata database. The zero value is not
// usable; construct one with Open.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures both top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	glog.V(2).Infof("store: opened %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the FileRecord for rec.Path.
func (s *Store) Upsert(rec pebble.FileRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(filesBucket), []byte(rec.Path), rec)
	})
}

// Get returns the FileRecord for path, or ErrNotFound.
func (s *Store) Get(path string) (pebble.FileRecord, error) {
	var rec pebble.FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// UpdateSyncStatus sets the sync_status of an existing record. It
// returns ErrNotFound if no record exists for path.
func (s *Store) UpdateSyncStatus(path string, status pebble.SyncStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(filesBucket)
		v := b.Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		var rec pebble.FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.SyncStatus = status
		return putJSON(b, []byte(path), rec)
	})
}

// UpdateMetadata updates the hash, modification time and sync status
// of an existing record in a single atomic write. Unlike
// UpdateSyncStatus, a missing path is treated as a fresh insert.
func (s *Store) UpdateMetadata(path string, lastModified int64, fileHash string, status pebble.SyncStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(filesBucket)
		rec := pebble.FileRecord{
			Path:         path,
			LastModified: lastModified,
			FileHash:     fileHash,
			SyncStatus:   status,
		}
		return putJSON(b, []byte(path), rec)
	})
}

// ListPending returns the paths of every record with SyncStatus ==
// StatusPending.
func (s *Store) ListPending() ([]string, error) {
	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var rec pebble.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.SyncStatus == pebble.StatusPending {
				paths = append(paths, rec.Path)
			}
			return nil
		})
	})
	return paths, err
}

// ListAll returns every FileRecord in the store.
func (s *Store) ListAll() ([]pebble.FileRecord, error) {
	var recs []pebble.FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var rec pebble.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Scan walks basePath and upserts a record for every regular file
// found, stamping it with pebble.SentinelInitialScan and StatusSynced.
// It is the bulk-import pass run once at startup, before the watcher
// and hasher take over steady-state tracking.
func (s *Store) Scan(basePath string) error {
	return filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if err := s.UpdateMetadata(abs, info.ModTime().Unix(), pebble.SentinelInitialScan, pebble.StatusSynced); err != nil {
			return fmt.Errorf("store: scan %s: %w", abs, err)
		}
		return nil
	})
}

// GetTransferState returns the TransferState for transferID, or
// ErrNotFound.
func (s *Store) GetTransferState(transferID string) (pebble.TransferState, error) {
	var ts pebble.TransferState
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(transfersBucket).Get([]byte(transferID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &ts)
	})
	return ts, err
}

// PutTransferState inserts or replaces the TransferState for
// ts.TransferID.
func (s *Store) PutTransferState(ts pebble.TransferState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(transfersBucket), []byte(ts.TransferID), ts)
	})
}

// DeleteTransferState removes a transfer_state row, used by
// cmd/pebbleutil's gc subcommand once a row is identified as orphaned.
func (s *Store) DeleteTransferState(transferID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).Delete([]byte(transferID))
	})
}

// ListOrphanedTransfers returns every TransferState row whose
// FilePath/TotalChunks are still zero (see pebble.TransferState.Orphaned).
// The transfer server fills both from the TransferRequest in the first
// row it writes, so it never leaves a row of this shape itself.
func (s *Store) ListOrphanedTransfers() ([]pebble.TransferState, error) {
	var orphans []pebble.TransferState
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(k, v []byte) error {
			var ts pebble.TransferState
			if err := json.Unmarshal(v, &ts); err != nil {
				return err
			}
			if ts.Orphaned() {
				orphans = append(orphans, ts)
			}
			return nil
		})
	})
	return orphans, err
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// DefaultPath returns the conventional location of the metadata
// database: pebble.db in the current working directory, intentionally
// not colocated with the certificate directory.
func DefaultPath() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "pebble.db")
	}
	return "pebble.db"
}
