package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"deedledger/core/events"
	"deedledger/core/state"
	"deedledger/native/deed"
	"deedledger/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testSeller    = newTestAddress(0x01)
	testBuyer     = newTestAddress(0x02)
	testInspector = newTestAddress(0x03)
	testLender    = newTestAddress(0x04)
	testStranger  = newTestAddress(0x09)
)

type fixture struct {
	t        *testing.T
	db       storage.Database
	mgr      *state.Manager
	registry *deed.Registry
	engine   *Engine
	recorder *events.Recorder
}

func testRoles() Roles {
	return Roles{Seller: testSeller, Inspector: testInspector, Lender: testLender}
}

func newFixtureWithDB(t *testing.T, db storage.Database) *fixture {
	t.Helper()
	mgr := state.NewManager(db)
	registry := deed.NewRegistry()
	engine, err := NewEngine(mgr, registry, testRoles())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rec := &events.Recorder{}
	engine.SetEmitter(rec)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return &fixture{t: t, db: db, mgr: mgr, registry: registry, engine: engine, recorder: rec}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	f := newFixtureWithDB(t, db)
	f.credit(testBuyer, 100)
	f.credit(testLender, 100)
	return f
}

func (f *fixture) credit(addr [20]byte, amount int64) {
	f.t.Helper()
	if err := f.mgr.Update(func(tx *state.Tx) error {
		return tx.AddBalance(addr, big.NewInt(amount))
	}); err != nil {
		f.t.Fatalf("credit: %v", err)
	}
}

func (f *fixture) balance(addr [20]byte) int64 {
	f.t.Helper()
	acc, err := f.mgr.GetAccount(addr)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return acc.Balance.Int64()
}

// custodyDeed mints a deed to the seller and moves it into the vault.
func (f *fixture) custodyDeed() uint64 {
	f.t.Helper()
	var id uint64
	err := f.mgr.Update(func(tx *state.Tx) error {
		d, err := f.registry.Mint(tx, testSeller, "ipfs://QmTudSYeM7mz3PkYEWXWqPjomRPHogcMFSq7XAvsvsgAPS")
		if err != nil {
			return err
		}
		id = d.ID
		return f.registry.TransferOwnership(tx, testSeller, d.ID, testSeller, VaultAddress())
	})
	if err != nil {
		f.t.Fatalf("custody deed: %v", err)
	}
	return id
}

func (f *fixture) owner(id uint64) [20]byte {
	f.t.Helper()
	owner, err := f.registry.OwnerOf(f.mgr, id)
	if err != nil {
		f.t.Fatalf("owner: %v", err)
	}
	return owner
}

func (f *fixture) listing(id uint64) *Listing {
	f.t.Helper()
	listing, err := f.engine.Listing(id)
	if err != nil {
		f.t.Fatalf("listing: %v", err)
	}
	return listing
}

func (f *fixture) list(price, earnest int64) uint64 {
	f.t.Helper()
	id := f.custodyDeed()
	if _, err := f.engine.List(testSeller, id, testBuyer, big.NewInt(price), big.NewInt(earnest)); err != nil {
		f.t.Fatalf("list: %v", err)
	}
	return id
}

func (f *fixture) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("unexpected error: %v", err)
	}
}

// readyToSettle drives a listing through deposit, inspection, approvals and
// loan funding.
func (f *fixture) readyToSettle(id uint64) {
	f.t.Helper()
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	f.must(f.engine.ApproveSale(testBuyer, id))
	f.must(f.engine.ApproveSale(testSeller, id))
	f.must(f.engine.ApproveSale(testLender, id))
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(5)))
}

type snapshot struct {
	listing  string
	owner    [20]byte
	balances [5]int64
}

func (f *fixture) snapshot(id uint64) snapshot {
	f.t.Helper()
	return snapshot{
		listing: fmt.Sprintf("%+v", *f.listing(id)),
		owner:   f.owner(id),
		balances: [5]int64{
			f.balance(testSeller),
			f.balance(testBuyer),
			f.balance(testLender),
			f.balance(testInspector),
			f.balance(VaultAddress()),
		},
	}
}

func TestEndToEndSettlement(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)

	listing := f.listing(id)
	if !listing.IsListed() || listing.InspectionPassed || listing.CustodyBalance.Sign() != 0 {
		t.Fatalf("unexpected fresh listing: %+v", listing)
	}
	for _, party := range [][20]byte{testBuyer, testSeller, testLender} {
		if listing.Approved(party) {
			t.Fatalf("fresh listing already approved by %x", party)
		}
	}

	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	f.must(f.engine.ApproveSale(testBuyer, id))
	f.must(f.engine.ApproveSale(testSeller, id))
	f.must(f.engine.ApproveSale(testLender, id))
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(5)))

	total, err := f.engine.CustodyTotal()
	if err != nil {
		t.Fatalf("custody total: %v", err)
	}
	if total.Int64() != 10 {
		t.Fatalf("expected vault to hold 10, got %s", total)
	}

	f.must(f.engine.FinalizeSale(testSeller, id))

	if owner := f.owner(id); owner != testBuyer {
		t.Fatalf("expected buyer to own deed, got %x", owner)
	}
	settled := f.listing(id)
	if settled.IsListed() || settled.Status != ListingSettled {
		t.Fatalf("expected settled listing, got %s", settled.Status)
	}
	if settled.CustodyBalance.Sign() != 0 {
		t.Fatalf("expected zero custody, got %s", settled.CustodyBalance)
	}
	if got := f.balance(testSeller); got != 10 {
		t.Fatalf("expected seller paid 10, got %d", got)
	}
	if got := f.balance(testBuyer); got != 95 {
		t.Fatalf("expected buyer balance 95, got %d", got)
	}
	if got := f.balance(testLender); got != 95 {
		t.Fatalf("expected lender balance 95, got %d", got)
	}
	if got := f.balance(VaultAddress()); got != 0 {
		t.Fatalf("expected empty vault, got %d", got)
	}

	want := []string{
		EventTypeListed,
		EventTypeEarnestDeposited,
		EventTypeInspectionUpdated,
		EventTypeApproved,
		EventTypeApproved,
		EventTypeApproved,
		EventTypeLoanFunded,
		EventTypeSettled,
	}
	got := f.recorder.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
	settledEvt := f.recorder.Events()[len(want)-1]
	if settledEvt.Attributes["paidToSeller"] != "10" || settledEvt.Attributes["refundedBuyer"] != "0" {
		t.Fatalf("unexpected settlement attributes %v", settledEvt.Attributes)
	}
}

func TestFinalizeWithoutLenderApprovalRejected(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	f.must(f.engine.ApproveSale(testBuyer, id))
	f.must(f.engine.ApproveSale(testSeller, id))
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(5)))

	before := f.snapshot(id)
	err := f.engine.FinalizeSale(testSeller, id)
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet, got %v", err)
	}
	if after := f.snapshot(id); after != before {
		t.Fatalf("state changed after rejected finalize:\nbefore %+v\nafter  %+v", before, after)
	}
	listing := f.listing(id)
	if !listing.IsListed() || listing.CustodyBalance.Int64() != 10 {
		t.Fatalf("listing should stay active with custody 10: %+v", listing)
	}
}

func TestFinalizeRequiresEveryPrecondition(t *testing.T) {
	steps := []string{"deposit", "inspection", "approve-buyer", "approve-seller", "approve-lender", "fund"}
	for _, skip := range steps {
		t.Run("missing "+skip, func(t *testing.T) {
			f := newFixture(t)
			id := f.list(10, 5)
			for _, step := range steps {
				if step == skip {
					continue
				}
				switch step {
				case "deposit":
					f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
				case "inspection":
					f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
				case "approve-buyer":
					f.must(f.engine.ApproveSale(testBuyer, id))
				case "approve-seller":
					f.must(f.engine.ApproveSale(testSeller, id))
				case "approve-lender":
					f.must(f.engine.ApproveSale(testLender, id))
				case "fund":
					f.must(f.engine.FundLoan(testLender, id, big.NewInt(5)))
				}
			}
			emitted := len(f.recorder.Types())
			before := f.snapshot(id)
			if err := f.engine.FinalizeSale(testSeller, id); !errors.Is(err, ErrPreconditionNotMet) {
				t.Fatalf("expected ErrPreconditionNotMet, got %v", err)
			}
			if after := f.snapshot(id); after != before {
				t.Fatalf("state changed after rejected finalize")
			}
			if owner := f.owner(id); owner != VaultAddress() {
				t.Fatalf("deed left custody")
			}
			if n := len(f.recorder.Types()); n != emitted {
				t.Fatalf("rejected finalize emitted events")
			}
		})
	}
}

func TestFinalizeAfterFailedInspectionRejected(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.readyToSettle(id)
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, false))
	if err := f.engine.FinalizeSale(testSeller, id); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet after failed inspection, got %v", err)
	}
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	f.must(f.engine.FinalizeSale(testSeller, id))
}

func TestDoubleFinalizeRejected(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.readyToSettle(id)
	f.must(f.engine.FinalizeSale(testSeller, id))

	before := f.snapshot(id)
	if err := f.engine.FinalizeSale(testSeller, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second finalize, got %v", err)
	}
	if after := f.snapshot(id); after != before {
		t.Fatalf("second finalize changed state")
	}
}

func TestRoleChecks(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	one := big.NewInt(1)

	cases := []struct {
		name string
		call func() error
	}{
		{"list by buyer", func() error {
			_, err := f.engine.List(testBuyer, id+1, testBuyer, big.NewInt(10), big.NewInt(5))
			return err
		}},
		{"deposit by seller", func() error { return f.engine.DepositEarnest(testSeller, id, one) }},
		{"deposit by lender", func() error { return f.engine.DepositEarnest(testLender, id, one) }},
		{"fund by buyer", func() error { return f.engine.FundLoan(testBuyer, id, one) }},
		{"inspection by seller", func() error { return f.engine.UpdateInspectionStatus(testSeller, id, true) }},
		{"inspection by buyer", func() error { return f.engine.UpdateInspectionStatus(testBuyer, id, true) }},
		{"approve by inspector", func() error { return f.engine.ApproveSale(testInspector, id) }},
		{"approve by stranger", func() error { return f.engine.ApproveSale(testStranger, id) }},
		{"finalize by buyer", func() error { return f.engine.FinalizeSale(testBuyer, id) }},
		{"finalize by lender", func() error { return f.engine.FinalizeSale(testLender, id) }},
		{"cancel by lender", func() error { return f.engine.CancelSale(testLender, id) }},
		{"cancel by inspector", func() error { return f.engine.CancelSale(testInspector, id) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.snapshot(id)
			if err := tc.call(); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			if after := f.snapshot(id); after != before {
				t.Fatalf("unauthorized call changed state")
			}
		})
	}
}

func TestDepositsAreAdditive(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)

	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(2)))
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(3)))

	listing := f.listing(id)
	if listing.CustodyBalance.Int64() != 5 || listing.BuyerFunded.Int64() != 5 {
		t.Fatalf("expected custody 5, got custody %s funded %s", listing.CustodyBalance, listing.BuyerFunded)
	}
	if got := f.balance(testBuyer); got != 95 {
		t.Fatalf("expected buyer debited 5, got balance %d", got)
	}
	if got := f.balance(VaultAddress()); got != 5 {
		t.Fatalf("expected vault to hold 5, got %d", got)
	}
}

func TestDepositRejectsBadAmounts(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	before := f.snapshot(id)

	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if err := f.engine.DepositEarnest(testBuyer, id, amount); !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("amount %v: expected ErrInvariantViolation, got %v", amount, err)
		}
	}
	if err := f.engine.DepositEarnest(testBuyer, id, big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if after := f.snapshot(id); after != before {
		t.Fatalf("rejected deposits changed state")
	}
}

func TestFundLoanCappedAtFinancedAmount(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 4)

	f.must(f.engine.FundLoan(testLender, id, big.NewInt(4)))
	if err := f.engine.FundLoan(testLender, id, big.NewInt(3)); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(2)))
	listing := f.listing(id)
	if listing.LenderFunded.Int64() != 6 || listing.CustodyBalance.Int64() != 6 {
		t.Fatalf("unexpected lender funding %s custody %s", listing.LenderFunded, listing.CustodyBalance)
	}
}

func TestApprovalPersistsAcrossLaterUpdates(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)

	f.must(f.engine.ApproveSale(testBuyer, id))
	f.must(f.engine.ApproveSale(testBuyer, id))
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(1)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, false))
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(1)))

	approved, err := f.engine.Approval(id, testBuyer)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if !approved {
		t.Fatalf("buyer approval was revoked")
	}
	for _, party := range [][20]byte{testSeller, testLender, testInspector} {
		ok, err := f.engine.Approval(id, party)
		if err != nil {
			t.Fatalf("approval: %v", err)
		}
		if ok {
			t.Fatalf("party %x approved without calling approve", party)
		}
	}
	approvals := 0
	for _, typ := range f.recorder.Types() {
		if typ == EventTypeApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("repeated approval should emit once, got %d", approvals)
	}
}

func TestInspectionLastWriteWins(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	for _, passed := range []bool{true, false, true} {
		f.must(f.engine.UpdateInspectionStatus(testInspector, id, passed))
		if got := f.listing(id).InspectionPassed; got != passed {
			t.Fatalf("expected inspection %v, got %v", passed, got)
		}
	}
}

func TestListValidation(t *testing.T) {
	f := newFixture(t)

	uncustodied := func() uint64 {
		var id uint64
		f.must(f.mgr.Update(func(tx *state.Tx) error {
			d, err := f.registry.Mint(tx, testSeller, "ipfs://deed")
			if err != nil {
				return err
			}
			id = d.ID
			return nil
		}))
		return id
	}()
	if _, err := f.engine.List(testSeller, uncustodied, testBuyer, big.NewInt(10), big.NewInt(5)); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet for uncustodied deed, got %v", err)
	}
	if _, err := f.engine.List(testSeller, 999, testBuyer, big.NewInt(10), big.NewInt(5)); !errors.Is(err, deed.ErrDeedNotFound) {
		t.Fatalf("expected wrapped ErrDeedNotFound, got %v", err)
	}

	id := f.custodyDeed()
	if _, err := f.engine.List(testSeller, id, testBuyer, big.NewInt(5), big.NewInt(10)); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation for escrow above price, got %v", err)
	}
	if _, err := f.engine.List(testSeller, id, testSeller, big.NewInt(10), big.NewInt(5)); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation for seller as buyer, got %v", err)
	}
	if _, err := f.engine.List(testSeller, id, testBuyer, big.NewInt(10), big.NewInt(10)); err != nil {
		t.Fatalf("escrow equal to price should be accepted: %v", err)
	}
	if _, err := f.engine.List(testSeller, id, testStranger, big.NewInt(10), big.NewInt(5)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate listing, got %v", err)
	}
	if got := f.listing(id).Buyer; got != testBuyer {
		t.Fatalf("buyer changed by rejected relist")
	}
	if _, err := f.engine.Listing(12345); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestCancelDefaultPolicyRefundsEveryone(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(3)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))

	f.must(f.engine.CancelSale(testBuyer, id))

	listing := f.listing(id)
	if listing.Status != ListingCancelled || listing.IsListed() {
		t.Fatalf("expected cancelled listing, got %s", listing.Status)
	}
	if listing.CustodyBalance.Sign() != 0 {
		t.Fatalf("expected zero custody after cancel")
	}
	if owner := f.owner(id); owner != testSeller {
		t.Fatalf("deed should return to seller, got %x", owner)
	}
	if f.balance(testBuyer) != 100 || f.balance(testLender) != 100 || f.balance(testSeller) != 0 {
		t.Fatalf("unexpected balances buyer=%d lender=%d seller=%d",
			f.balance(testBuyer), f.balance(testLender), f.balance(testSeller))
	}
	if f.balance(VaultAddress()) != 0 {
		t.Fatalf("vault should be empty")
	}
	if err := f.engine.DepositEarnest(testBuyer, id, big.NewInt(1)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after cancel, got %v", err)
	}
	if err := f.engine.CancelSale(testSeller, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestCancelReturnsVaultDeedToSellerRegardlessOfDepositor(t *testing.T) {
	f := newFixture(t)
	var id uint64
	f.must(f.mgr.Update(func(tx *state.Tx) error {
		d, err := f.registry.Mint(tx, testStranger, "ipfs://QmStrangerDeed")
		if err != nil {
			return err
		}
		id = d.ID
		return f.registry.TransferOwnership(tx, testStranger, d.ID, testStranger, VaultAddress())
	}))
	if _, err := f.engine.List(testSeller, id, testBuyer, big.NewInt(10), big.NewInt(5)); err != nil {
		t.Fatalf("list: %v", err)
	}
	f.must(f.engine.CancelSale(testSeller, id))

	if owner := f.owner(id); owner != testSeller {
		t.Fatalf("cancelled deed should go to the listing seller, got %x", owner)
	}
	if listing := f.listing(id); listing.Seller != testSeller {
		t.Fatalf("listing seller %x", listing.Seller)
	}
}

func TestCancelForfeitPolicy(t *testing.T) {
	policy := CancellationPolicy{
		InspectionPassed: ForfeitRule{BuyerCancels: 10_000, SellerCancels: 0},
		InspectionFailed: ForfeitRule{BuyerCancels: 0, SellerCancels: 0},
	}
	cases := []struct {
		name        string
		passed      bool
		caller      [20]byte
		sellerGets  int64
		buyerBalace int64
	}{
		{"buyer walks away after passed inspection", true, testBuyer, 5, 95},
		{"seller cancels after passed inspection", true, testSeller, 0, 100},
		{"buyer cancels after failed inspection", false, testBuyer, 0, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.engine.SetPolicy(policy); err != nil {
				t.Fatalf("set policy: %v", err)
			}
			id := f.list(10, 5)
			f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
			f.must(f.engine.FundLoan(testLender, id, big.NewInt(2)))
			f.must(f.engine.UpdateInspectionStatus(testInspector, id, tc.passed))
			f.must(f.engine.CancelSale(tc.caller, id))

			if got := f.balance(testSeller); got != tc.sellerGets {
				t.Fatalf("seller: want %d got %d", tc.sellerGets, got)
			}
			if got := f.balance(testBuyer); got != tc.buyerBalace {
				t.Fatalf("buyer: want %d got %d", tc.buyerBalace, got)
			}
			if got := f.balance(testLender); got != 100 {
				t.Fatalf("lender should be made whole, got %d", got)
			}
			listing := f.listing(id)
			if listing.PaidToSeller.Int64() != tc.sellerGets || listing.RefundedLender.Int64() != 2 {
				t.Fatalf("unexpected disbursement %+v", listing)
			}
		})
	}
}

func TestCancelRejectedWhenSettlementReady(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.readyToSettle(id)
	before := f.snapshot(id)
	if err := f.engine.CancelSale(testBuyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if after := f.snapshot(id); after != before {
		t.Fatalf("rejected cancel changed state")
	}
}

func TestFinalizeRefundsSurplusToBuyer(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(7)))
	f.must(f.engine.FundLoan(testLender, id, big.NewInt(5)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	for _, party := range [][20]byte{testBuyer, testSeller, testLender} {
		f.must(f.engine.ApproveSale(party, id))
	}
	f.must(f.engine.FinalizeSale(testSeller, id))

	if got := f.balance(testSeller); got != 10 {
		t.Fatalf("seller should receive exactly the price, got %d", got)
	}
	if got := f.balance(testBuyer); got != 95 {
		t.Fatalf("buyer should be refunded the surplus, got %d", got)
	}
	listing := f.listing(id)
	if listing.RefundedBuyer.Int64() != 2 || listing.CustodyBalance.Sign() != 0 {
		t.Fatalf("unexpected settlement record %+v", listing)
	}
}

type failingRegistry struct {
	*deed.Registry
	err error
}

func (r failingRegistry) TransferOwnership(*state.Tx, [20]byte, uint64, [20]byte, [20]byte) error {
	return r.err
}

func TestCustodyTransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.readyToSettle(id)

	broken, err := NewEngine(f.mgr, failingRegistry{Registry: f.registry, err: deed.ErrNotAuthorized}, testRoles())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	before := f.snapshot(id)
	err = broken.FinalizeSale(testSeller, id)
	if !errors.Is(err, ErrCustodyTransferFailed) || !errors.Is(err, deed.ErrNotAuthorized) {
		t.Fatalf("expected wrapped custody failure, got %v", err)
	}
	if after := f.snapshot(id); after != before {
		t.Fatalf("failed finalize changed state")
	}
	f.must(f.engine.FinalizeSale(testSeller, id))
}

func TestRelistArchivesHistory(t *testing.T) {
	f := newFixture(t)
	id := f.list(10, 5)
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
	f.must(f.engine.CancelSale(testSeller, id))

	if _, err := f.engine.List(testSeller, id, testStranger, big.NewInt(20), big.NewInt(5)); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("relist without custody should fail, got %v", err)
	}
	f.must(f.mgr.Update(func(tx *state.Tx) error {
		return f.registry.TransferOwnership(tx, testSeller, id, testSeller, VaultAddress())
	}))
	relisted, err := f.engine.List(testSeller, id, testStranger, big.NewInt(20), big.NewInt(5))
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if relisted.Round != 2 || relisted.Buyer != testStranger {
		t.Fatalf("unexpected relisting %+v", relisted)
	}

	history, err := f.engine.ListingHistory(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two rounds, got %d", len(history))
	}
	if history[0].Status != ListingCancelled || history[0].Buyer != testBuyer || history[0].RefundedBuyer.Int64() != 5 {
		t.Fatalf("unexpected archived round %+v", history[0])
	}
	if history[1].Status != ListingActive || history[1].Round != 2 {
		t.Fatalf("unexpected current round %+v", history[1])
	}
}

func TestConcurrentListingsShareAccounts(t *testing.T) {
	f := newFixture(t)
	const listings = 10
	ids := make([]uint64, listings)
	for i := range ids {
		ids[i] = f.list(10, 5)
	}

	var wg sync.WaitGroup
	errs := make(chan error, listings*2)
	for _, id := range ids {
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			errs <- f.engine.DepositEarnest(testBuyer, id, big.NewInt(5))
		}(id)
		go func(id uint64) {
			defer wg.Done()
			errs <- f.engine.ApproveSale(testBuyer, id)
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent operation: %v", err)
		}
	}

	for _, id := range ids {
		listing := f.listing(id)
		if listing.CustodyBalance.Int64() != 5 || !listing.Approved(testBuyer) {
			t.Fatalf("listing %d lost an update: %+v", id, listing)
		}
	}
	if got := f.balance(testBuyer); got != 50 {
		t.Fatalf("expected buyer balance 50, got %d", got)
	}
	if got := f.balance(VaultAddress()); got != 50 {
		t.Fatalf("expected vault balance 50, got %d", got)
	}
}

func TestConcurrentDepositsCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	ids := []uint64{f.list(100, 60), f.list(100, 60)}

	var wg sync.WaitGroup
	results := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			results[i] = f.engine.DepositEarnest(testBuyer, id, big.NewInt(60))
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one deposit to succeed, got %d", succeeded)
	}
	if got := f.balance(testBuyer); got != 40 {
		t.Fatalf("expected buyer balance 40, got %d", got)
	}
}

func TestListingSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f := newFixtureWithDB(t, db)
	f.credit(testBuyer, 100)
	f.credit(testLender, 100)
	id := f.list(10, 5)
	f.must(f.engine.DepositEarnest(testBuyer, id, big.NewInt(5)))
	f.must(f.engine.UpdateInspectionStatus(testInspector, id, true))
	f.must(f.engine.ApproveSale(testBuyer, id))
	db.Close()

	reopened, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	g := newFixtureWithDB(t, reopened)

	listing := g.listing(id)
	if !listing.IsListed() || listing.CustodyBalance.Int64() != 5 || !listing.InspectionPassed || !listing.Approved(testBuyer) {
		t.Fatalf("listing not restored: %+v", listing)
	}
	g.must(g.engine.ApproveSale(testSeller, id))
	g.must(g.engine.ApproveSale(testLender, id))
	g.must(g.engine.FundLoan(testLender, id, big.NewInt(5)))
	g.must(g.engine.FinalizeSale(testSeller, id))
	if owner := g.owner(id); owner != testBuyer {
		t.Fatalf("expected buyer ownership after restart settlement")
	}
}

func TestNewEngineValidatesRoles(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	registry := deed.NewRegistry()
	if _, err := NewEngine(mgr, registry, Roles{Seller: testSeller, Inspector: testInspector}); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected missing lender rejected, got %v", err)
	}
	if _, err := NewEngine(mgr, registry, Roles{Seller: testSeller, Inspector: testSeller, Lender: testLender}); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected duplicate role rejected, got %v", err)
	}
	if _, err := NewEngine(nil, registry, testRoles()); err == nil {
		t.Fatalf("expected nil state rejected")
	}
}
