// Package kvstore provides the ordered key-value storage used by the
// processor. It wraps a Pebble database and exposes every mutation through a
// Txn (an indexed write batch) that is committed only when the surrounding
// call succeeds and discarded otherwise.
package kvstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Reader provides point lookups and ordered range scans.
type Reader interface {
	// Get returns the value stored under key. The returned slice is owned by
	// the caller. found is false when the key does not exist.
	Get(key []byte) (value []byte, found bool, err error)

	// Scan iterates over keys in [lower, upper) in ascending order, or in
	// descending order when reverse is set. Returning a non-nil error from
	// fn stops the scan and the error is returned. Keys and values passed to
	// fn are only valid for the duration of the call.
	Scan(lower, upper []byte, reverse bool, fn func(key, value []byte) error) error
}

// Writer provides point writes and deletes.
type Writer interface {
	Set(key, value []byte) error
	Delete(key []byte) error
}

// ReadWriter is the handle passed to every component that touches state.
type ReadWriter interface {
	Reader
	Writer
}

// ErrStopScan can be returned from a Scan callback to end iteration early
// without surfacing an error.
var ErrStopScan = errors.New("kvstore: stop scan")

// Config holds Pebble store configuration.
type Config struct {
	// Path is the on-disk directory of the database.
	Path string

	// InMemory keeps the whole database in memory. Path is ignored.
	InMemory bool

	// NoSync disables fsync on commit. Only sensible for tests and benchmarks.
	NoSync bool
}

// DB is an opened Pebble database.
type DB struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*DB, error) {
	opts := &pebble.Options{}
	path := cfg.Path

	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = ""
	} else {
		if path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	writeOpts := pebble.Sync
	if cfg.NoSync {
		writeOpts = pebble.NoSync
	}

	return &DB{db: db, writeOpts: writeOpts}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// NewTxn starts a new write batch. Reads through the Txn observe its own
// pending writes. The caller must call either Commit or Discard.
func (d *DB) NewTxn() *Txn {
	return &Txn{b: d.db.NewIndexedBatch(), writeOpts: d.writeOpts}
}

// Update runs fn inside a Txn and commits it if fn returns nil.
func (d *DB) Update(fn func(rw ReadWriter) error) error {
	txn := d.NewTxn()
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn against a Txn that is always discarded.
func (d *DB) View(fn func(r Reader) error) error {
	txn := d.NewTxn()
	defer txn.Discard()
	return fn(txn)
}

// Txn is a write batch over the database.
type Txn struct {
	b         *pebble.Batch
	writeOpts *pebble.WriteOptions
	done      bool
}

// Get implements Reader.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	v, closer, err := t.b.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Scan implements Reader.
func (t *Txn) Scan(lower, upper []byte, reverse bool, fn func(key, value []byte) error) error {
	iter, err := t.b.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var valid bool
	if reverse {
		valid = iter.Last()
	} else {
		valid = iter.First()
	}

	for valid {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
		if reverse {
			valid = iter.Prev()
		} else {
			valid = iter.Next()
		}
	}

	return iter.Error()
}

// Set implements Writer.
func (t *Txn) Set(key, value []byte) error {
	return t.b.Set(key, value, nil)
}

// Delete implements Writer.
func (t *Txn) Delete(key []byte) error {
	return t.b.Delete(key, nil)
}

// Commit applies the batch atomically.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	defer t.b.Close()

	if err := t.b.Commit(t.writeOpts); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Discard drops all pending writes. It is safe to call after Commit.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	_ = t.b.Close()
}
