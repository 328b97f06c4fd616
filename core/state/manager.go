package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"deedledger/storage"
)

var (
	errTxClosed = errors.New("state: transaction already closed")
	errNilDB    = errors.New("state: database not configured")
)

// Reader is satisfied by both the committed view (Manager) and an in-flight
// transaction (Tx). Get returns a nil slice when the key is absent.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// Manager owns the committed ledger state. All mutations go through a Tx so
// that a failed operation never leaves partial writes behind.
type Manager struct {
	db storage.Database

	// commitMu orders commits; balance deltas are resolved against the
	// committed balances while it is held.
	commitMu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Key hashes a logical key into the storage key space.
func Key(parts ...[]byte) []byte {
	return ethcrypto.Keccak256(parts...)
}

// Get reads a committed value.
func (m *Manager) Get(key []byte) ([]byte, error) {
	if m == nil || m.db == nil {
		return nil, errNilDB
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// Begin opens a new transaction against the committed state.
func (m *Manager) Begin() *Tx {
	return &Tx{
		m:      m,
		writes: make(map[string]pendingWrite),
		deltas: make(map[[20]byte]*balanceDelta),
	}
}

// Update runs fn inside a transaction, committing only when fn succeeds.
func (m *Manager) Update(fn func(tx *Tx) error) error {
	tx := m.Begin()
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// DecodeRLP loads and decodes the value stored under key. It reports false
// when the key is absent.
func DecodeRLP(r Reader, key []byte, out interface{}) (bool, error) {
	data, err := r.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %x: %w", key, err)
	}
	return true, nil
}

type pendingWrite struct {
	value  []byte
	delete bool
}

// Tx stages writes and balance changes in memory until Commit. A Tx is owned
// by a single goroutine.
type Tx struct {
	m      *Manager
	writes map[string]pendingWrite
	order  []string
	deltas map[[20]byte]*balanceDelta
	hooks  []func()
	closed bool
}

// Get returns the staged value for key, falling back to committed state.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, errTxClosed
	}
	if w, ok := tx.writes[string(key)]; ok {
		if w.delete {
			return nil, nil
		}
		return append([]byte(nil), w.value...), nil
	}
	return tx.m.Get(key)
}

// Put stages a write.
func (tx *Tx) Put(key, value []byte) error {
	if tx.closed {
		return errTxClosed
	}
	k := string(key)
	if _, seen := tx.writes[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

// Delete stages a removal.
func (tx *Tx) Delete(key []byte) error {
	if tx.closed {
		return errTxClosed
	}
	k := string(key)
	if _, seen := tx.writes[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = pendingWrite{delete: true}
	return nil
}

// PutRLP encodes value and stages it under key.
func (tx *Tx) PutRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %x: %w", key, err)
	}
	return tx.Put(key, encoded)
}

// Commit atomically persists every staged write and balance delta. When any
// delta would drive a balance negative nothing is written. Hooks run after
// commitMu is released, so they may open and commit further transactions.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	if tx.m == nil || tx.m.db == nil {
		return errNilDB
	}

	tx.m.commitMu.Lock()
	err := tx.write()
	tx.m.commitMu.Unlock()
	if err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// write resolves deltas and flushes the batch. Callers must hold commitMu.
func (tx *Tx) write() error {
	batch := storage.NewBatch()
	if err := tx.resolveDeltas(batch); err != nil {
		return err
	}
	for _, k := range tx.order {
		w := tx.writes[k]
		if w.delete {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	return tx.m.db.Write(batch)
}

// OnCommit registers fn to run after a successful commit. Hooks never run for
// discarded or failed transactions.
func (tx *Tx) OnCommit(fn func()) {
	if tx.closed || fn == nil {
		return
	}
	tx.hooks = append(tx.hooks, fn)
}

// Discard drops all staged changes.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
	tx.deltas = nil
	tx.hooks = nil
}
