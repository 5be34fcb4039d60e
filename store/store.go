// Package store persists engine records in an ordered key-value database.
//
// All reads and writes go through a [Tx]. A transaction buffers its writes
// in memory and applies them with a single atomic leveldb batch on Commit.
// Savepoints nest inside a transaction so that a failed protocol step can be
// rolled back without losing the work of the enclosing flow.
package store

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("store: key not found")

	// ErrTxDone is returned when a committed or discarded transaction is used.
	ErrTxDone = errors.New("store: transaction already finished")
)

// DB is a leveldb backed ordered key-value store.
type DB struct {
	ldb  *leveldb.DB
	sync bool
}

// Open opens (or creates) a database in dir. Writes are synchronous.
func Open(dir string) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dir, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "store",
		"dir":      dir,
	}).Info("Store opened")
	return &DB{ldb: ldb, sync: true}, nil
}

// OpenMemory opens a non-persistent database, used by tests and simulations.
func OpenMemory() (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	return &DB{ldb: ldb}, nil
}

// Close releases the database.
func (db *DB) Close() error {
	return db.ldb.Close()
}

func (db *DB) get(key []byte) ([]byte, error) {
	v, err := db.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// scan returns all committed pairs whose key starts with prefix.
func (db *DB) scan(prefix []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	for iter.Next() {
		out[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store iteration failed: %w", err)
	}
	return out, nil
}

func (db *DB) write(b *leveldb.Batch) error {
	return db.ldb.Write(b, &opt.WriteOptions{Sync: db.sync})
}

// Begin starts a top-level transaction.
func (db *DB) Begin() *Tx {
	return &Tx{db: db, writes: make(map[string]write)}
}
