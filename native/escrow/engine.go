package escrow

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"deedledger/core/events"
	"deedledger/core/state"
	"deedledger/core/types"
	"deedledger/observability"
)

// Registry is the deed registry as seen by the engine. Transfers are staged
// on the engine's transaction so the deed and the funds move in one commit.
type Registry interface {
	OwnerOf(r state.Reader, assetID uint64) ([20]byte, error)
	TransferOwnership(tx *state.Tx, caller [20]byte, assetID uint64, from, to [20]byte) error
}

var vaultAddress = deriveVaultAddress()

func deriveVaultAddress() [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("deedledger/escrow/vault"))[12:])
	return out
}

// VaultAddress returns the address that holds custodied funds and deeds. No
// key exists for it; only the engine moves its assets.
func VaultAddress() [20]byte { return vaultAddress }

// Engine drives listings from active to settled or cancelled. Operations on
// the same asset are serialized; different assets proceed concurrently.
type Engine struct {
	state    *state.Manager
	registry Registry
	roles    Roles
	vault    [20]byte
	locks    *state.AssetLocks
	policy   CancellationPolicy
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
	nowFn    func() int64
}

// NewEngine creates an engine with a no-op emitter and the full-refund
// cancellation policy.
func NewEngine(mgr *state.Manager, registry Registry, roles Roles) (*Engine, error) {
	if mgr == nil {
		return nil, errNilState
	}
	if registry == nil {
		return nil, errNilRegistry
	}
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	for _, addr := range [][20]byte{roles.Seller, roles.Inspector, roles.Lender} {
		if addr == vaultAddress {
			return nil, fmt.Errorf("%w: role uses the vault address", ErrInvariantViolation)
		}
	}
	return &Engine{
		state:    mgr,
		registry: registry,
		roles:    roles,
		vault:    vaultAddress,
		locks:    state.NewAssetLocks(),
		policy:   DefaultCancellationPolicy(),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		metrics:  observability.Escrow(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetPolicy installs the cancellation policy.
func (e *Engine) SetPolicy(policy CancellationPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	e.policy = policy
	return nil
}

// SetLocks shares an asset lock table with other components that move deeds,
// such as direct registry transfers.
func (e *Engine) SetLocks(locks *state.AssetLocks) {
	if locks != nil {
		e.locks = locks
	}
}

// Roles returns the fixed seller, inspector and lender.
func (e *Engine) Roles() Roles { return e.roles }

// Vault returns the custody address.
func (e *Engine) Vault() [20]byte { return e.vault }

// Policy returns the active cancellation policy.
func (e *Engine) Policy() CancellationPolicy { return e.policy }

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(e.nowFn())
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	return nil
}

func (e *Engine) emitOnCommit(tx *state.Tx, evt *types.Event) {
	emitter := e.emitter
	tx.OnCommit(func() { emitter.Emit(escrowEvent{evt: evt}) })
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e == nil {
		return
	}
	kind := ErrorKind(err)
	e.metrics.Observe(op, kind, time.Since(start))
	if err != nil {
		e.logger.Debug("escrow operation rejected", "operation", op, "kind", kind, "error", err)
	}
}

func (e *Engine) refreshCustody() {
	acc, err := e.state.GetAccount(e.vault)
	if err != nil {
		e.logger.Warn("read custody balance", "error", err)
		return
	}
	e.metrics.SetCustody(acc.Balance)
}

// mutate runs fn against the active listing for assetID under the asset lock
// and commits the listing together with everything fn staged. Nothing is
// written when any step fails.
func (e *Engine) mutate(assetID uint64, fn func(tx *state.Tx, listing *Listing) error) error {
	unlock := e.locks.Lock(assetID)
	defer unlock()

	tx := e.state.Begin()
	defer tx.Discard()

	listing, err := loadListing(tx, assetID)
	if err != nil {
		return err
	}
	if !listing.IsListed() {
		return fmt.Errorf("%w: asset %d is %s", ErrInvalidState, assetID, listing.Status)
	}
	if err := fn(tx, listing); err != nil {
		return err
	}
	if err := storeListing(tx, listing); err != nil {
		return err
	}
	return tx.Commit()
}

func positiveAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvariantViolation)
	}
	return new(big.Int).Set(amount), nil
}

// List creates an active listing for a deed the vault already holds. Only the
// seller may list; a terminal listing for the same asset is archived and a
// new round starts.
func (e *Engine) List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (listing *Listing, err error) {
	start := time.Now()
	defer func() { e.observe("list", start, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller != e.roles.Seller {
		return nil, fmt.Errorf("%w: only the seller may list", ErrUnauthorized)
	}
	switch buyer {
	case [20]byte{}, e.roles.Seller, e.roles.Inspector, e.roles.Lender, e.vault:
		return nil, fmt.Errorf("%w: buyer must be a distinct party", ErrInvariantViolation)
	}
	if purchasePrice == nil || purchasePrice.Sign() < 0 {
		return nil, fmt.Errorf("%w: purchase price must be non-negative", ErrInvariantViolation)
	}
	if escrowAmount == nil || escrowAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: escrow amount must be non-negative", ErrInvariantViolation)
	}
	if escrowAmount.Cmp(purchasePrice) > 0 {
		return nil, fmt.Errorf("%w: escrow amount %s exceeds purchase price %s", ErrInvariantViolation, escrowAmount, purchasePrice)
	}

	unlock := e.locks.Lock(assetID)
	defer unlock()

	tx := e.state.Begin()
	defer tx.Discard()

	round := uint64(1)
	existing, err := loadListing(tx, assetID)
	switch {
	case err == nil:
		if existing.IsListed() {
			return nil, fmt.Errorf("%w: asset %d already listed", ErrInvalidState, assetID)
		}
		if err := archiveListing(tx, existing); err != nil {
			return nil, err
		}
		round = existing.Round + 1
	case errors.Is(err, ErrListingNotFound):
	default:
		return nil, err
	}

	owner, err := e.registry.OwnerOf(tx, assetID)
	if err != nil {
		return nil, fmt.Errorf("%w: deed %d: %w", ErrPreconditionNotMet, assetID, err)
	}
	if owner != e.vault {
		return nil, fmt.Errorf("%w: deed %d is not held by the escrow vault", ErrPreconditionNotMet, assetID)
	}

	listing = &Listing{
		AssetID:       assetID,
		Round:         round,
		Seller:        e.roles.Seller,
		Buyer:         buyer,
		Inspector:     e.roles.Inspector,
		Lender:        e.roles.Lender,
		PurchasePrice: new(big.Int).Set(purchasePrice),
		EscrowAmount:  new(big.Int).Set(escrowAmount),
		Status:        ListingActive,
		ListedAt:      e.now(),
	}
	if err := storeListing(tx, listing); err != nil {
		return nil, err
	}
	e.emitOnCommit(tx, NewListedEvent(listing.Clone()))
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return listing.Clone(), nil
}

// DepositEarnest moves amount from the buyer into custody. Deposits are
// additive.
func (e *Engine) DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) (err error) {
	start := time.Now()
	defer func() { e.observe("deposit_earnest", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	amt, err := positiveAmount(amount)
	if err != nil {
		return err
	}
	return e.mutate(assetID, func(tx *state.Tx, listing *Listing) error {
		if caller != listing.Buyer {
			return fmt.Errorf("%w: only the buyer may deposit earnest funds", ErrUnauthorized)
		}
		if err := tx.Transfer(caller, e.vault, amt); err != nil {
			return err
		}
		listing.CustodyBalance.Add(listing.CustodyBalance, amt)
		listing.BuyerFunded.Add(listing.BuyerFunded, amt)
		e.emitOnCommit(tx, NewDepositEvent(EventTypeEarnestDeposited, listing.Clone(), caller, amt))
		tx.OnCommit(e.refreshCustody)
		return nil
	})
}

// FundLoan moves the lender's contribution into custody. The lender may fund
// at most the purchase price less the earnest amount.
func (e *Engine) FundLoan(caller [20]byte, assetID uint64, amount *big.Int) (err error) {
	start := time.Now()
	defer func() { e.observe("fund_loan", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	amt, err := positiveAmount(amount)
	if err != nil {
		return err
	}
	return e.mutate(assetID, func(tx *state.Tx, listing *Listing) error {
		if caller != listing.Lender {
			return fmt.Errorf("%w: only the lender may fund the loan", ErrUnauthorized)
		}
		limit := new(big.Int).Sub(listing.PurchasePrice, listing.EscrowAmount)
		next := new(big.Int).Add(listing.LenderFunded, amt)
		if next.Cmp(limit) > 0 {
			return fmt.Errorf("%w: loan funding %s exceeds financed amount %s", ErrInvariantViolation, next, limit)
		}
		if err := tx.Transfer(caller, e.vault, amt); err != nil {
			return err
		}
		listing.CustodyBalance.Add(listing.CustodyBalance, amt)
		listing.LenderFunded = next
		e.emitOnCommit(tx, NewDepositEvent(EventTypeLoanFunded, listing.Clone(), caller, amt))
		tx.OnCommit(e.refreshCustody)
		return nil
	})
}

// UpdateInspectionStatus records the inspector's latest judgment.
func (e *Engine) UpdateInspectionStatus(caller [20]byte, assetID uint64, passed bool) (err error) {
	start := time.Now()
	defer func() { e.observe("update_inspection", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	return e.mutate(assetID, func(tx *state.Tx, listing *Listing) error {
		if caller != listing.Inspector {
			return fmt.Errorf("%w: only the inspector may record inspections", ErrUnauthorized)
		}
		listing.InspectionPassed = passed
		e.emitOnCommit(tx, NewInspectionEvent(listing.Clone()))
		return nil
	})
}

// ApproveSale records the caller's approval. Buyer, seller and lender each
// set only their own entry; approvals are never revoked.
func (e *Engine) ApproveSale(caller [20]byte, assetID uint64) (err error) {
	start := time.Now()
	defer func() { e.observe("approve_sale", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	return e.mutate(assetID, func(tx *state.Tx, listing *Listing) error {
		if caller != listing.Buyer && caller != listing.Seller && caller != listing.Lender {
			return fmt.Errorf("%w: only buyer, seller or lender may approve", ErrUnauthorized)
		}
		if listing.Approved(caller) {
			return nil
		}
		listing.setApproved(caller)
		e.emitOnCommit(tx, NewApprovedEvent(listing.Clone(), caller))
		return nil
	})
}

// unmetConditions lists every settlement precondition that does not hold.
func unmetConditions(listing *Listing) []string {
	var unmet []string
	if !listing.InspectionPassed {
		unmet = append(unmet, "inspection not passed")
	}
	for _, party := range []struct {
		role string
		addr [20]byte
	}{
		{"buyer", listing.Buyer},
		{"seller", listing.Seller},
		{"lender", listing.Lender},
	} {
		if !listing.Approved(party.addr) {
			unmet = append(unmet, party.role+" approval missing")
		}
	}
	if listing.CustodyBalance.Cmp(listing.PurchasePrice) < 0 {
		unmet = append(unmet, fmt.Sprintf("custody %s below purchase price %s", listing.CustodyBalance, listing.PurchasePrice))
	}
	return unmet
}

// FinalizeSale settles the listing: the deed moves to the buyer, the seller
// receives exactly the purchase price and any surplus returns to the buyer.
func (e *Engine) FinalizeSale(caller [20]byte, assetID uint64) (err error) {
	start := time.Now()
	defer func() { e.observe("finalize_sale", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	return e.mutate(assetID, func(tx *state.Tx, listing *Listing) error {
		if caller != listing.Seller {
			return fmt.Errorf("%w: only the seller may finalize", ErrUnauthorized)
		}
		if unmet := unmetConditions(listing); len(unmet) > 0 {
			return fmt.Errorf("%w: %s", ErrPreconditionNotMet, strings.Join(unmet, "; "))
		}
		if err := e.registry.TransferOwnership(tx, e.vault, assetID, e.vault, listing.Buyer); err != nil {
			return fmt.Errorf("%w: deed %d to buyer: %w", ErrCustodyTransferFailed, assetID, err)
		}
		surplus := new(big.Int).Sub(listing.CustodyBalance, listing.PurchasePrice)
		if err := e.release(tx, listing.Seller, listing.PurchasePrice); err != nil {
			return err
		}
		if err := e.release(tx, listing.Buyer, surplus); err != nil {
			return err
		}
		listing.PaidToSeller = new(big.Int).Set(listing.PurchasePrice)
		listing.RefundedBuyer = surplus
		listing.RefundedLender = big.NewInt(0)
		e.close(tx, listing, ListingSettled, caller)
		tx.OnCommit(e.metrics.RecordSettlement)
		return nil
	})
}

// CancelSale unwinds an active listing that cannot yet settle. The deed
// returns to the listing's seller whoever moved it into the vault, lender funds return to the lender and the buyer's
// deposit is split by the cancellation policy.
func (e *Engine) CancelSale(caller [20]byte, assetID uint64) (err error) {
	start := time.Now()
	defer func() { e.observe("cancel_sale", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	return e.mutate(assetID, func(tx *state.Tx, listing *Listing) error {
		sellerCancels := caller == listing.Seller
		if !sellerCancels && caller != listing.Buyer {
			return fmt.Errorf("%w: only the seller or buyer may cancel", ErrUnauthorized)
		}
		if len(unmetConditions(listing)) == 0 {
			return fmt.Errorf("%w: settlement conditions are met, finalize instead", ErrInvalidState)
		}
		funded := new(big.Int).Add(listing.BuyerFunded, listing.LenderFunded)
		if funded.Cmp(listing.CustodyBalance) != 0 {
			return fmt.Errorf("%w: custody %s does not match deposits %s", ErrInvariantViolation, listing.CustodyBalance, funded)
		}
		if err := e.registry.TransferOwnership(tx, e.vault, assetID, e.vault, listing.Seller); err != nil {
			return fmt.Errorf("%w: deed %d to seller: %w", ErrCustodyTransferFailed, assetID, err)
		}
		toSeller, toBuyer := e.policy.Split(listing.InspectionPassed, sellerCancels, listing.BuyerFunded)
		if err := e.release(tx, listing.Seller, toSeller); err != nil {
			return err
		}
		if err := e.release(tx, listing.Buyer, toBuyer); err != nil {
			return err
		}
		if err := e.release(tx, listing.Lender, listing.LenderFunded); err != nil {
			return err
		}
		listing.PaidToSeller = toSeller
		listing.RefundedBuyer = toBuyer
		listing.RefundedLender = new(big.Int).Set(listing.LenderFunded)
		e.close(tx, listing, ListingCancelled, caller)
		initiator := "buyer"
		if sellerCancels {
			initiator = "seller"
		}
		inspectionPassed := listing.InspectionPassed
		tx.OnCommit(func() { e.metrics.RecordCancellation(initiator, inspectionPassed) })
		return nil
	})
}

// release pays amount out of the vault. A vault shortfall means custody
// accounting broke, never a caller mistake.
func (e *Engine) release(tx *state.Tx, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := tx.Transfer(e.vault, to, amount); err != nil {
		return fmt.Errorf("%w: vault payout: %w", ErrInvariantViolation, err)
	}
	return nil
}

func (e *Engine) close(tx *state.Tx, listing *Listing, status ListingStatus, initiator [20]byte) {
	listing.CustodyBalance = big.NewInt(0)
	listing.Status = status
	listing.ClosedAt = e.now()
	eventType := EventTypeSettled
	if status == ListingCancelled {
		eventType = EventTypeCancelled
	}
	e.emitOnCommit(tx, NewClosedEvent(eventType, listing.Clone(), initiator))
	tx.OnCommit(e.refreshCustody)
	logger := e.logger
	assetID, round := listing.AssetID, listing.Round
	tx.OnCommit(func() {
		logger.Info("escrow listing closed",
			"assetId", assetID,
			"round", round,
			"status", status.String())
	})
}

// Listing returns the current (possibly terminal) listing for assetID.
func (e *Engine) Listing(assetID uint64) (*Listing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return loadListing(e.state, assetID)
}

// Approval reports whether party approved the current listing.
func (e *Engine) Approval(assetID uint64, party [20]byte) (bool, error) {
	listing, err := e.Listing(assetID)
	if err != nil {
		return false, err
	}
	return listing.Approved(party), nil
}

// ListingHistory returns every round for assetID, oldest first, ending with
// the current listing.
func (e *Engine) ListingHistory(assetID uint64) ([]*Listing, error) {
	current, err := e.Listing(assetID)
	if err != nil {
		return nil, err
	}
	history := make([]*Listing, 0, current.Round)
	for round := uint64(1); round < current.Round; round++ {
		archived, err := loadArchived(e.state, assetID, round)
		if err != nil {
			return nil, err
		}
		history = append(history, archived)
	}
	return append(history, current), nil
}

// CustodyTotal returns the vault balance across all listings.
func (e *Engine) CustodyTotal() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	acc, err := e.state.GetAccount(e.vault)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}
