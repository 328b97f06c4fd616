package escrow

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
)

// ListingStatus represents the lifecycle states of a listing.
type ListingStatus uint8

const (
	ListingActive ListingStatus = iota + 1
	ListingSettled
	ListingCancelled
)

// String renders the status for logs, events and RPC payloads.
func (s ListingStatus) String() string {
	switch s {
	case ListingActive:
		return "active"
	case ListingSettled:
		return "settled"
	case ListingCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingActive, ListingSettled, ListingCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further mutation is accepted.
func (s ListingStatus) Terminal() bool {
	return s == ListingSettled || s == ListingCancelled
}

// Roles are the parties fixed for the lifetime of a ledger instance.
type Roles struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// Validate ensures every role is set and no address holds two roles.
func (r Roles) Validate() error {
	named := []struct {
		name string
		addr [20]byte
	}{
		{"seller", r.Seller},
		{"inspector", r.Inspector},
		{"lender", r.Lender},
	}
	seen := make(map[[20]byte]string, len(named))
	for _, role := range named {
		if role.addr == ([20]byte{}) {
			return fmt.Errorf("%w: %s address not configured", ErrInvariantViolation, role.name)
		}
		if other, dup := seen[role.addr]; dup {
			return fmt.Errorf("%w: %s and %s share an address", ErrInvariantViolation, other, role.name)
		}
		seen[role.addr] = role.name
	}
	return nil
}

// Listing captures the sale terms and settlement progress of one deed.
// Approvals holds the parties that approved, sorted so the encoding is
// deterministic.
type Listing struct {
	AssetID          uint64
	Round            uint64
	Seller           [20]byte
	Buyer            [20]byte
	Inspector        [20]byte
	Lender           [20]byte
	PurchasePrice    *big.Int
	EscrowAmount     *big.Int
	CustodyBalance   *big.Int
	BuyerFunded      *big.Int
	LenderFunded     *big.Int
	InspectionPassed bool
	Approvals        [][20]byte
	Status           ListingStatus
	ListedAt         uint64
	ClosedAt         uint64
	// Disbursement of custody when the listing closed.
	PaidToSeller   *big.Int
	RefundedBuyer  *big.Int
	RefundedLender *big.Int
}

// IsListed reports whether the listing still accepts operations.
func (l *Listing) IsListed() bool {
	return l != nil && l.Status == ListingActive
}

// Approved reports whether party has approved the sale.
func (l *Listing) Approved(party [20]byte) bool {
	if l == nil {
		return false
	}
	idx := sort.Search(len(l.Approvals), func(i int) bool {
		return bytes.Compare(l.Approvals[i][:], party[:]) >= 0
	})
	return idx < len(l.Approvals) && l.Approvals[idx] == party
}

func (l *Listing) setApproved(party [20]byte) {
	if l.Approved(party) {
		return
	}
	l.Approvals = append(l.Approvals, party)
	sort.Slice(l.Approvals, func(i, j int) bool {
		return bytes.Compare(l.Approvals[i][:], l.Approvals[j][:]) < 0
	})
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.PurchasePrice = cloneBigInt(l.PurchasePrice)
	clone.EscrowAmount = cloneBigInt(l.EscrowAmount)
	clone.CustodyBalance = cloneBigInt(l.CustodyBalance)
	clone.BuyerFunded = cloneBigInt(l.BuyerFunded)
	clone.LenderFunded = cloneBigInt(l.LenderFunded)
	clone.PaidToSeller = cloneBigInt(l.PaidToSeller)
	clone.RefundedBuyer = cloneBigInt(l.RefundedBuyer)
	clone.RefundedLender = cloneBigInt(l.RefundedLender)
	clone.Approvals = append([][20]byte(nil), l.Approvals...)
	return &clone
}

// sanitize fills nil amounts so the record encodes deterministically.
func (l *Listing) sanitize() {
	for _, field := range []**big.Int{
		&l.PurchasePrice, &l.EscrowAmount, &l.CustodyBalance, &l.BuyerFunded,
		&l.LenderFunded, &l.PaidToSeller, &l.RefundedBuyer, &l.RefundedLender,
	} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
