package store

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/opd-ai/obvcore/encoder"
	"github.com/syndtr/goleveldb/leveldb"
)

type write struct {
	value   []byte
	deleted bool
}

// KV is one key-value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Tx is an all-or-nothing set of reads and writes. A Tx is not safe for
// concurrent use; the engine confines each one to a single worker.
type Tx struct {
	db     *DB
	parent *Tx
	writes map[string]write
	done   bool
}

// Savepoint opens a nested transaction. Its writes become visible to the
// parent on Commit and are dropped on Discard.
func (tx *Tx) Savepoint() *Tx {
	return &Tx{db: tx.db, parent: tx, writes: make(map[string]write)}
}

func (tx *Tx) lookup(key string) (write, bool) {
	for t := tx; t != nil; t = t.parent {
		if w, ok := t.writes[key]; ok {
			return w, true
		}
	}
	return write{}, false
}

// Get returns the value for key, or ErrNotFound.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if w, ok := tx.lookup(string(key)); ok {
		if w.deleted {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	return tx.db.get(key)
}

// Has reports whether key exists.
func (tx *Tx) Has(key []byte) (bool, error) {
	_, err := tx.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Put stores value under key.
func (tx *Tx) Put(key, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.writes[string(key)] = write{value: append([]byte(nil), value...)}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (tx *Tx) Delete(key []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.writes[string(key)] = write{deleted: true}
	return nil
}

// Scan returns every visible pair whose key starts with prefix, in key order.
func (tx *Tx) Scan(prefix []byte) ([]KV, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	merged, err := tx.db.scan(prefix)
	if err != nil {
		return nil, err
	}

	var chain []*Tx
	for t := tx; t != nil; t = t.parent {
		chain = append(chain, t)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, w := range chain[i].writes {
			if !bytes.HasPrefix([]byte(k), prefix) {
				continue
			}
			if w.deleted {
				delete(merged, k)
			} else {
				merged[k] = w.value
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: []byte(k), Value: append([]byte(nil), merged[k]...)})
	}
	return out, nil
}

// Commit publishes the writes: into the parent for a savepoint, into the
// database as one atomic batch for a top-level transaction.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if tx.parent != nil {
		for k, w := range tx.writes {
			tx.parent.writes[k] = w
		}
		return nil
	}
	if len(tx.writes) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for k, w := range tx.writes {
		if w.deleted {
			batch.Delete([]byte(k))
		} else {
			batch.Put([]byte(k), w.value)
		}
	}
	if err := tx.db.write(batch); err != nil {
		return fmt.Errorf("store commit failed: %w", err)
	}
	return nil
}

// Discard drops the writes. Discarding a finished transaction is a no-op so
// that it can be deferred.
func (tx *Tx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	tx.writes = nil
}

// GetEncoded reads and parses an encoded record.
func (tx *Tx) GetEncoded(key []byte) (encoder.Encoded, error) {
	raw, err := tx.Get(key)
	if err != nil {
		return encoder.Encoded{}, err
	}
	return encoder.Parse(raw)
}

// PutEncoded stores an encoded record.
func (tx *Tx) PutEncoded(key []byte, e encoder.Encodable) error {
	return tx.Put(key, e.Encode().Raw())
}

// DeletePrefix removes every visible key starting with prefix.
func (tx *Tx) DeletePrefix(prefix []byte) (int, error) {
	kvs, err := tx.Scan(prefix)
	if err != nil {
		return 0, err
	}
	for _, kv := range kvs {
		if err := tx.Delete(kv.Key); err != nil {
			return 0, err
		}
	}
	return len(kvs), nil
}

// Key builds a record key from a table prefix and fixed-width parts.
func Key(table string, parts ...[]byte) []byte {
	n := len(table) + 1
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, table...)
	k = append(k, '/')
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}
