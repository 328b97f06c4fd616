package core

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"sort"
	"sync"

	"deedledger/core/events"
	"deedledger/core/state"
	"deedledger/native/deed"
	"deedledger/native/escrow"
	"deedledger/storage"
)

// ErrRolesMismatch is returned when a data directory initialised for one set
// of parties is reopened with another.
var ErrRolesMismatch = errors.New("ledger: configured roles differ from the initialised ledger")

// ErrVaultGenesis is returned when genesis allocates funds to the escrow vault.
// Vault funds must always be backed by listing custody.
var ErrVaultGenesis = errors.New("ledger: genesis may not fund the escrow vault")

var genesisKeyRaw = []byte("ledger/genesis")

type genesisRecord struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// LedgerOptions configures a Ledger. Genesis balances are credited only the
// first time a data directory is opened.
type LedgerOptions struct {
	Roles   escrow.Roles
	Genesis map[[20]byte]*big.Int
	Policy  escrow.CancellationPolicy
	Emitter events.Emitter
	Logger  *slog.Logger
	NowFn   func() int64
}

// Ledger is the settlement node: committed state, the deed registry and the
// escrow engine behind one typed surface.
type Ledger struct {
	db     storage.Database
	state  *state.Manager
	deeds  *deed.Registry
	escrow *escrow.Engine
	locks  *state.AssetLocks
	mintMu sync.Mutex
	logger *slog.Logger
}

// OpenLedger opens the LevelDB store under dataDir and wires the ledger.
func OpenLedger(dataDir string, opts LedgerOptions) (*Ledger, error) {
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	ledger, err := NewLedger(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewLedger wires a ledger over db. The ledger owns db and closes it on Close.
func NewLedger(db storage.Database, opts LedgerOptions) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mgr := state.NewManager(db)
	deeds := deed.NewRegistry()
	deeds.SetEmitter(opts.Emitter)
	deeds.SetNowFunc(opts.NowFn)

	engine, err := escrow.NewEngine(mgr, deeds, opts.Roles)
	if err != nil {
		return nil, err
	}
	locks := state.NewAssetLocks()
	engine.SetLocks(locks)
	engine.SetEmitter(opts.Emitter)
	engine.SetLogger(logger.With("component", "escrow"))
	engine.SetNowFunc(opts.NowFn)
	if err := engine.SetPolicy(opts.Policy); err != nil {
		return nil, err
	}

	l := &Ledger{
		db:     db,
		state:  mgr,
		deeds:  deeds,
		escrow: engine,
		locks:  locks,
		logger: logger,
	}
	if err := l.initGenesis(opts.Roles, opts.Genesis); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initGenesis(roles escrow.Roles, balances map[[20]byte]*big.Int) error {
	key := state.Key(genesisKeyRaw)
	stored := new(genesisRecord)
	ok, err := state.DecodeRLP(l.state, key, stored)
	if err != nil {
		return err
	}
	if ok {
		if stored.Seller != roles.Seller || stored.Inspector != roles.Inspector || stored.Lender != roles.Lender {
			return ErrRolesMismatch
		}
		return nil
	}

	vault := escrow.VaultAddress()
	addrs := make([][20]byte, 0, len(balances))
	for addr, amount := range balances {
		if addr == vault && amount != nil && amount.Sign() != 0 {
			return ErrVaultGenesis
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	return l.state.Update(func(tx *state.Tx) error {
		for _, addr := range addrs {
			if err := tx.AddBalance(addr, balances[addr]); err != nil {
				return fmt.Errorf("genesis %x: %w", addr, err)
			}
		}
		if err := tx.PutRLP(key, &genesisRecord{
			Seller:    roles.Seller,
			Inspector: roles.Inspector,
			Lender:    roles.Lender,
		}); err != nil {
			return err
		}
		tx.OnCommit(func() {
			l.logger.Info("ledger initialised", "allocations", len(addrs))
		})
		return nil
	})
}

// Close releases the underlying store.
func (l *Ledger) Close() {
	if l != nil && l.db != nil {
		l.db.Close()
	}
}

// MintDeed issues the next deed to caller.
func (l *Ledger) MintDeed(caller [20]byte, tokenURI string) (*deed.Deed, error) {
	l.mintMu.Lock()
	defer l.mintMu.Unlock()
	var minted *deed.Deed
	err := l.state.Update(func(tx *state.Tx) error {
		var err error
		minted, err = l.deeds.Mint(tx, caller, tokenURI)
		return err
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// ApproveDeed lets spender move the caller's deed.
func (l *Ledger) ApproveDeed(caller [20]byte, assetID uint64, spender [20]byte) error {
	unlock := l.locks.Lock(assetID)
	defer unlock()
	return l.state.Update(func(tx *state.Tx) error {
		return l.deeds.Approve(tx, caller, assetID, spender)
	})
}

// TransferDeed moves a deed. Sending it to the escrow vault is how a seller
// places it in custody before listing.
func (l *Ledger) TransferDeed(caller [20]byte, assetID uint64, from, to [20]byte) error {
	unlock := l.locks.Lock(assetID)
	defer unlock()
	return l.state.Update(func(tx *state.Tx) error {
		return l.deeds.TransferOwnership(tx, caller, assetID, from, to)
	})
}

// DeedOwner returns the current owner of a deed.
func (l *Ledger) DeedOwner(assetID uint64) ([20]byte, error) {
	return l.deeds.OwnerOf(l.state, assetID)
}

// Deed returns the deed record.
func (l *Ledger) Deed(assetID uint64) (*deed.Deed, error) {
	return l.deeds.Get(l.state, assetID)
}

// DeedSupply reports how many deeds exist.
func (l *Ledger) DeedSupply() (uint64, error) {
	return l.deeds.TotalSupply(l.state)
}

// List opens a listing. See escrow.Engine.List.
func (l *Ledger) List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (*escrow.Listing, error) {
	return l.escrow.List(caller, assetID, buyer, purchasePrice, escrowAmount)
}

// DepositEarnest moves buyer funds into custody.
func (l *Ledger) DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) error {
	return l.escrow.DepositEarnest(caller, assetID, amount)
}

// FundLoan moves lender funds into custody.
func (l *Ledger) FundLoan(caller [20]byte, assetID uint64, amount *big.Int) error {
	return l.escrow.FundLoan(caller, assetID, amount)
}

// UpdateInspectionStatus records the inspection outcome.
func (l *Ledger) UpdateInspectionStatus(caller [20]byte, assetID uint64, passed bool) error {
	return l.escrow.UpdateInspectionStatus(caller, assetID, passed)
}

// ApproveSale records a party approval.
func (l *Ledger) ApproveSale(caller [20]byte, assetID uint64) error {
	return l.escrow.ApproveSale(caller, assetID)
}

// FinalizeSale settles a listing.
func (l *Ledger) FinalizeSale(caller [20]byte, assetID uint64) error {
	return l.escrow.FinalizeSale(caller, assetID)
}

// CancelSale unwinds a listing.
func (l *Ledger) CancelSale(caller [20]byte, assetID uint64) error {
	return l.escrow.CancelSale(caller, assetID)
}

// Listing returns the current listing for an asset.
func (l *Ledger) Listing(assetID uint64) (*escrow.Listing, error) {
	return l.escrow.Listing(assetID)
}

// Approval reports a single party's approval.
func (l *Ledger) Approval(assetID uint64, party [20]byte) (bool, error) {
	return l.escrow.Approval(assetID, party)
}

// ListingHistory returns every listing round for an asset.
func (l *Ledger) ListingHistory(assetID uint64) ([]*escrow.Listing, error) {
	return l.escrow.ListingHistory(assetID)
}

// CustodyTotal returns the vault balance.
func (l *Ledger) CustodyTotal() (*big.Int, error) {
	return l.escrow.CustodyTotal()
}

// Roles returns the fixed parties.
func (l *Ledger) Roles() escrow.Roles { return l.escrow.Roles() }

// Vault returns the custody address.
func (l *Ledger) Vault() [20]byte { return l.escrow.Vault() }

// Balance returns the committed balance of addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	acc, err := l.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}
