package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"forumdb/pkg/logger"
)

var (
	db     *pebble.DB
	dbPath string

	// txnMu is the single global write-transaction lock. Every mutation of
	// the index happens inside exactly one transaction holding it.
	txnMu sync.Mutex

	schemas []Schema
)

// Schema describes one entity kind: its key prefix and the fields the
// entity is queried by. Schemas are declared by the owning packages and
// passed to Open explicitly; there is no global registration side effect.
type Schema struct {
	Entity        string
	KeyPrefix     string
	IndexedFields []string
}

// Open opens (or creates) a pebble database at the given path and records
// the entity schemas for introspection.
func Open(path string, entitySchemas ...Schema) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	schemas = entitySchemas
	for _, s := range entitySchemas {
		logger.Debug("schema_registered", "entity", s.Entity, "prefix", s.KeyPrefix)
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed", "path", dbPath)
	dbPath = ""
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// Path returns the filesystem path of the opened database, or "" when the
// store is closed. Exposed for readiness diagnostics.
func Path() string {
	return dbPath
}

// Schemas returns the entity schemas the store was opened with.
func Schemas() []Schema {
	return schemas
}

// Reader is the common read surface over the committed database and over an
// open transaction (which sees its own pending writes).
type Reader interface {
	// Get unmarshals the value at key into v. Returns ErrNotFound on miss.
	Get(key string, v any) error
	// IsStored reports whether the key is durable (or pending in the
	// transaction the reader belongs to).
	IsStored(key string) bool
	// ScanPrefix visits all keys with the given prefix in ascending key
	// order. The callback returns false to stop early.
	ScanPrefix(prefix string, fn func(key string, value []byte) (bool, error)) error
}

// View returns a Reader over committed state only.
func View() Reader { return dbReader{} }

type dbReader struct{}

func (dbReader) Get(key string, v any) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	val, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (dbReader) IsStored(key string) bool {
	if db == nil {
		return false
	}
	_, closer, err := db.Get([]byte(key))
	if err != nil {
		return false
	}
	_ = closer.Close()
	return true
}

func (dbReader) ScanPrefix(prefix string, fn func(key string, value []byte) (bool, error)) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()
	return scan(iter, fn)
}

// Txn is a single write transaction. Reads through the transaction see its
// own pending writes. Commit and Rollback are first-class; a rolled back
// transaction leaves durable state untouched, so callers must re-read any
// entity state they cached while it was open.
type Txn struct {
	b    *pebble.Batch
	done bool
}

// Begin acquires the global write lock and opens a transaction.
func Begin() (*Txn, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	txnMu.Lock()
	return &Txn{b: db.NewIndexedBatch()}, nil
}

// Set marshals v as JSON and writes it at key.
func (t *Txn) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return t.b.Set([]byte(key), data, nil)
}

// Delete removes the key. Deleting an absent key is an integrity problem in
// this codebase and is logged, mirroring the cascade-deletion checks.
func (t *Txn) Delete(key string) error {
	if !t.IsStored(key) {
		logger.Error("delete_of_unstored_key", "key", key)
	}
	return t.b.Delete([]byte(key), nil)
}

func (t *Txn) Get(key string, v any) error {
	val, closer, err := t.b.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (t *Txn) IsStored(key string) bool {
	_, closer, err := t.b.Get([]byte(key))
	if err != nil {
		return false
	}
	_ = closer.Close()
	return true
}

func (t *Txn) ScanPrefix(prefix string, fn func(key string, value []byte) (bool, error)) error {
	iter, err := t.b.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()
	return scan(iter, fn)
}

// RequireStored returns an IntegrityError unless the key is durable or
// pending in this transaction. Entities call it for every mandatory
// non-owning reference before writing their own state; a failure means the
// transaction was composed out of order.
func (t *Txn) RequireStored(key string) error {
	if key == "" {
		return Integrityf("", "mandatory reference key is empty")
	}
	if !t.IsStored(key) {
		logger.Error("mandatory_object_not_stored", "key", key)
		return Integrityf(key, "mandatory object is not stored")
	}
	return nil
}

// Commit makes all writes durable and releases the write lock.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	defer txnMu.Unlock()
	if err := t.b.Commit(pebble.Sync); err != nil {
		txnRollbacks.Inc()
		logger.Error("txn_commit_failed", "error", err)
		return err
	}
	txnCommits.Inc()
	logger.Debug("txn_committed")
	return nil
}

// Rollback discards all writes and releases the write lock. Safe to call
// after Commit (it becomes a no-op), so callers can defer it.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.b.Close()
	txnRollbacks.Inc()
	logger.Warn("txn_rolled_back")
	txnMu.Unlock()
}

// Update runs fn inside a transaction and commits it. On any error the
// transaction is rolled back and the triggering error is returned, never
// swallowed.
func Update(fn func(*Txn) error) error {
	t, err := Begin()
	if err != nil {
		return err
	}
	defer t.Rollback()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

type iterator interface {
	First() bool
	Valid() bool
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

func scan(iter iterator, fn func(key string, value []byte) (bool, error)) error {
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		v := append([]byte(nil), iter.Value()...)
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

func prefixIterOptions(prefix string) *pebble.IterOptions {
	p := []byte(prefix)
	return &pebble.IterOptions{
		LowerBound: p,
		UpperBound: prefixUpperBound(p),
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
