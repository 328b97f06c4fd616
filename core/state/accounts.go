package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"deedledger/core/types"
	"deedledger/storage"
)

// ErrInsufficientBalance is returned when a debit exceeds the spendable
// balance, either while staging or when the commit re-checks the balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

var accountPrefix = []byte("account:")

func accountKey(addr [20]byte) []byte {
	return Key(accountPrefix, addr[:])
}

type storedAccount struct {
	Balance *big.Int
}

// balanceDelta is a signed adjustment applied to the committed balance at
// commit time. Deltas commute, so two listings paying the same account never
// overwrite each other's update.
type balanceDelta struct {
	amount *big.Int
}

func loadAccount(r Reader, addr [20]byte) (*types.Account, error) {
	stored := new(storedAccount)
	ok, err := DecodeRLP(r, accountKey(addr), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	acc := types.NewAccount()
	if stored.Balance != nil {
		acc.Balance.Set(stored.Balance)
	}
	return acc, nil
}

// GetAccount returns the committed account for addr. Unknown addresses have a
// zero balance.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	return loadAccount(m, addr)
}

// GetAccount returns the account as it would look after this transaction
// commits on top of the current committed state.
func (tx *Tx) GetAccount(addr [20]byte) (*types.Account, error) {
	if tx.closed {
		return nil, errTxClosed
	}
	acc, err := loadAccount(tx.m, addr)
	if err != nil {
		return nil, err
	}
	if delta, ok := tx.deltas[addr]; ok {
		acc.Balance.Add(acc.Balance, delta.amount)
	}
	return acc, nil
}

func (tx *Tx) adjust(addr [20]byte, amount *big.Int) {
	delta, ok := tx.deltas[addr]
	if !ok {
		delta = &balanceDelta{amount: big.NewInt(0)}
		tx.deltas[addr] = delta
	}
	delta.amount.Add(delta.amount, amount)
}

// AddBalance credits addr.
func (tx *Tx) AddBalance(addr [20]byte, amount *big.Int) error {
	if tx.closed {
		return errTxClosed
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	tx.adjust(addr, amount)
	return nil
}

// SubBalance debits addr, failing when the projected balance is too low.
func (tx *Tx) SubBalance(addr [20]byte, amount *big.Int) error {
	if tx.closed {
		return errTxClosed
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	acc, err := tx.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, acc.Balance, amount)
	}
	tx.adjust(addr, new(big.Int).Neg(amount))
	return nil
}

// Transfer moves amount from one account to another.
func (tx *Tx) Transfer(from, to [20]byte, amount *big.Int) error {
	if err := tx.SubBalance(from, amount); err != nil {
		return err
	}
	return tx.AddBalance(to, amount)
}

// resolveDeltas folds staged deltas into the batch. Callers must hold
// commitMu.
func (tx *Tx) resolveDeltas(batch *storage.Batch) error {
	addrs := make([][20]byte, 0, len(tx.deltas))
	for addr, delta := range tx.deltas {
		if delta.amount.Sign() == 0 {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	for _, addr := range addrs {
		acc, err := loadAccount(tx.m, addr)
		if err != nil {
			return err
		}
		next := new(big.Int).Add(acc.Balance, tx.deltas[addr].amount)
		if next.Sign() < 0 {
			return fmt.Errorf("%w: account %x", ErrInsufficientBalance, addr)
		}
		encoded, err := rlp.EncodeToBytes(&storedAccount{Balance: next})
		if err != nil {
			return err
		}
		batch.Put(accountKey(addr), encoded)
	}
	return nil
}
