package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"credx/storage"
)

var (
	errEmptyKey   = errors.New("kv: key must not be empty")
	errTxFinished = errors.New("kv: transaction already finished")
)

var kvPrefix = []byte("kv/")

// Manager persists RLP-encoded values in a key/value database. All writes go
// through a Tx so a failed state transition leaves the database untouched.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a write transaction. Callers must Commit or Discard it.
func (m *Manager) Begin() *Tx {
	return &Tx{db: m.db, writes: make(map[string]pendingWrite)}
}

// Update runs fn inside a transaction and commits only if fn succeeds.
func (m *Manager) Update(fn func(tx *Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager uninitialised")
	}
	tx := m.Begin()
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn against a transaction that is always discarded.
func (m *Manager) View(fn func(tx *Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager uninitialised")
	}
	tx := m.Begin()
	defer tx.Discard()
	return fn(tx)
}

type pendingWrite struct {
	value  []byte
	delete bool
}

// Tx buffers writes over the backing database. Reads observe the buffered
// writes first.
type Tx struct {
	db     storage.Database
	writes map[string]pendingWrite
	done   bool
}

func kvKey(key []byte) []byte {
	out := make([]byte, 0, len(kvPrefix)+len(key))
	out = append(out, kvPrefix...)
	return append(out, key...)
}

func (tx *Tx) raw(key []byte) ([]byte, error) {
	if tx.done {
		return nil, errTxFinished
	}
	if pending, ok := tx.writes[string(key)]; ok {
		if pending.delete {
			return nil, nil
		}
		return pending.value, nil
	}
	data, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// KVPut encodes value with RLP and stages it under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	if tx.done {
		return errTxFinished
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.writes[string(kvKey(key))] = pendingWrite{value: encoded}
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, err := tx.raw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete stages the removal of key.
func (tx *Tx) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	if tx.done {
		return errTxFinished
	}
	tx.writes[string(kvKey(key))] = pendingWrite{delete: true}
	return nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	var list [][]byte
	if _, err := tx.KVGet(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.KVPut(key, list)
}

// KVGetList decodes the list stored under key into out, which must point to a
// slice. Missing keys yield an empty slice.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	ok, err := tx.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	}
	return nil
}

// Commit writes every staged change through a single storage batch.
func (tx *Tx) Commit() error {
	if tx.done {
		return errTxFinished
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, key := range keys {
		pending := tx.writes[key]
		if pending.delete {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), pending.value)
	}
	if err := tx.db.Write(batch); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// Discard drops staged writes. Calling it after Commit is a no-op.
func (tx *Tx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	tx.writes = nil
}
