package deed

import (
	"bytes"
	"errors"
	"testing"

	"deedledger/core/events"
	"deedledger/core/state"
	"deedledger/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestRegistry(t *testing.T) (*Registry, *state.Manager, *events.Recorder) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	rec := &events.Recorder{}
	reg := NewRegistry()
	reg.SetEmitter(rec)
	reg.SetNowFunc(func() int64 { return 1_700_000_000 })
	return reg, state.NewManager(db), rec
}

func mint(t *testing.T, reg *Registry, mgr *state.Manager, owner [20]byte) *Deed {
	t.Helper()
	var minted *Deed
	err := mgr.Update(func(tx *state.Tx) error {
		var err error
		minted, err = reg.Mint(tx, owner, "ipfs://QmTudSYeM7mz3PkYEWXWqPjomRPHogcMFSq7XAvsvsgAPS")
		return err
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return minted
}

func TestMintAssignsSequentialIDs(t *testing.T) {
	reg, mgr, rec := newTestRegistry(t)
	seller := newTestAddress(0x01)

	first := mint(t, reg, mgr, seller)
	second := mint(t, reg, mgr, seller)
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("unexpected ids %d, %d", first.ID, second.ID)
	}
	supply, err := reg.TotalSupply(mgr)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply != 2 {
		t.Fatalf("expected supply 2, got %d", supply)
	}
	owner, err := reg.OwnerOf(mgr, 1)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != seller {
		t.Fatalf("unexpected owner %x", owner)
	}
	if got := rec.Types(); len(got) != 2 || got[0] != EventTypeMinted {
		t.Fatalf("unexpected events %v", got)
	}
	d, err := reg.Get(mgr, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.MintedAt != 1_700_000_000 {
		t.Fatalf("unexpected mint time %d", d.MintedAt)
	}
}

func TestMintRejectsInvalidInput(t *testing.T) {
	reg, mgr, _ := newTestRegistry(t)
	tx := mgr.Begin()
	defer tx.Discard()
	if _, err := reg.Mint(tx, [20]byte{}, "ipfs://x"); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if _, err := reg.Mint(tx, newTestAddress(1), "   "); !errors.Is(err, ErrInvalidTokenURI) {
		t.Fatalf("expected ErrInvalidTokenURI, got %v", err)
	}
}

func TestTransferOwnershipChecks(t *testing.T) {
	reg, mgr, _ := newTestRegistry(t)
	seller := newTestAddress(0x01)
	vault := newTestAddress(0xEE)
	stranger := newTestAddress(0x09)
	d := mint(t, reg, mgr, seller)

	cases := []struct {
		name   string
		caller [20]byte
		from   [20]byte
		want   error
	}{
		{name: "wrong from", caller: seller, from: stranger, want: ErrNotOwner},
		{name: "unapproved caller", caller: stranger, from: seller, want: ErrNotAuthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mgr.Update(func(tx *state.Tx) error {
				return reg.TransferOwnership(tx, tc.caller, d.ID, tc.from, vault)
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			owner, _ := reg.OwnerOf(mgr, d.ID)
			if owner != seller {
				t.Fatalf("owner changed after rejected transfer")
			}
		})
	}

	if err := mgr.Update(func(tx *state.Tx) error {
		return reg.TransferOwnership(tx, seller, 42, seller, vault)
	}); !errors.Is(err, ErrDeedNotFound) {
		t.Fatalf("expected ErrDeedNotFound, got %v", err)
	}
}

func TestApprovalThenTransferClearsApproval(t *testing.T) {
	reg, mgr, rec := newTestRegistry(t)
	seller := newTestAddress(0x01)
	vault := newTestAddress(0xEE)
	d := mint(t, reg, mgr, seller)

	if err := mgr.Update(func(tx *state.Tx) error {
		return reg.Approve(tx, vault, d.ID, vault)
	}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-owner approve: expected ErrNotAuthorized, got %v", err)
	}

	if err := mgr.Update(func(tx *state.Tx) error {
		return reg.Approve(tx, seller, d.ID, vault)
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := mgr.Update(func(tx *state.Tx) error {
		return reg.TransferOwnership(tx, vault, d.ID, seller, vault)
	}); err != nil {
		t.Fatalf("approved transfer: %v", err)
	}

	stored, err := reg.Get(mgr, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Owner != vault {
		t.Fatalf("expected vault ownership")
	}
	if stored.HasApproval() {
		t.Fatalf("approval should be cleared after transfer")
	}
	want := []string{EventTypeMinted, EventTypeApproved, EventTypeTransferred}
	got := rec.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestTransferStagedInDiscardedTxLeavesNoTrace(t *testing.T) {
	reg, mgr, rec := newTestRegistry(t)
	seller := newTestAddress(0x01)
	d := mint(t, reg, mgr, seller)

	tx := mgr.Begin()
	if err := reg.TransferOwnership(tx, seller, d.ID, seller, newTestAddress(0x02)); err != nil {
		t.Fatalf("stage transfer: %v", err)
	}
	staged, err := reg.OwnerOf(tx, d.ID)
	if err != nil || staged != newTestAddress(0x02) {
		t.Fatalf("transaction view should see staged owner: %x %v", staged, err)
	}
	tx.Discard()

	owner, err := reg.OwnerOf(mgr, d.ID)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != seller {
		t.Fatalf("discarded transfer leaked into committed state")
	}
	if n := len(rec.Types()); n != 1 {
		t.Fatalf("expected only the mint event, got %d events", n)
	}
}
