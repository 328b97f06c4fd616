package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"deedledger/crypto"
	"deedledger/native/deed"
	"deedledger/native/escrow"
)

const (
	codeForbidden           = -32023
	codeNotFound            = -32022
	codeConflict            = -32024
	codePreconditionFailed  = -32026
	codeInvariantViolation  = -32027
	codeInsufficientBalance = -32028
	codeCustodyFailed       = -32029
	codeInternal            = -32025
)

type listingJSON struct {
	AssetID          uint64   `json:"assetId"`
	Round            uint64   `json:"round"`
	Status           string   `json:"status"`
	Seller           string   `json:"seller"`
	Buyer            string   `json:"buyer"`
	Inspector        string   `json:"inspector"`
	Lender           string   `json:"lender"`
	PurchasePrice    string   `json:"purchasePrice"`
	EscrowAmount     string   `json:"escrowAmount"`
	CustodyBalance   string   `json:"custodyBalance"`
	BuyerFunded      string   `json:"buyerFunded"`
	LenderFunded     string   `json:"lenderFunded"`
	InspectionPassed bool     `json:"inspectionPassed"`
	Approvals        []string `json:"approvals"`
	ListedAt         uint64   `json:"listedAt"`
	ClosedAt         uint64   `json:"closedAt,omitempty"`
	PaidToSeller     string   `json:"paidToSeller,omitempty"`
	RefundedBuyer    string   `json:"refundedBuyer,omitempty"`
	RefundedLender   string   `json:"refundedLender,omitempty"`
}

type deedJSON struct {
	ID       uint64 `json:"id"`
	Owner    string `json:"owner"`
	Approved string `json:"approved,omitempty"`
	TokenURI string `json:"tokenUri"`
	MintedAt uint64 `json:"mintedAt"`
}

type rolesJSON struct {
	Seller    string `json:"seller"`
	Inspector string `json:"inspector"`
	Lender    string `json:"lender"`
	Vault     string `json:"vault"`
}

func formatAddress(addr [20]byte) string {
	return crypto.FormatAddress(addr)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatOptionalAmount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func formatListing(l *escrow.Listing) listingJSON {
	approvals := make([]string, len(l.Approvals))
	for i, party := range l.Approvals {
		approvals[i] = formatAddress(party)
	}
	out := listingJSON{
		AssetID:          l.AssetID,
		Round:            l.Round,
		Status:           l.Status.String(),
		Seller:           formatAddress(l.Seller),
		Buyer:            formatAddress(l.Buyer),
		Inspector:        formatAddress(l.Inspector),
		Lender:           formatAddress(l.Lender),
		PurchasePrice:    formatAmount(l.PurchasePrice),
		EscrowAmount:     formatAmount(l.EscrowAmount),
		CustodyBalance:   formatAmount(l.CustodyBalance),
		BuyerFunded:      formatAmount(l.BuyerFunded),
		LenderFunded:     formatAmount(l.LenderFunded),
		InspectionPassed: l.InspectionPassed,
		Approvals:        approvals,
		ListedAt:         l.ListedAt,
		ClosedAt:         l.ClosedAt,
	}
	if l.Status.Terminal() {
		out.PaidToSeller = formatOptionalAmount(l.PaidToSeller)
		out.RefundedBuyer = formatOptionalAmount(l.RefundedBuyer)
		out.RefundedLender = formatOptionalAmount(l.RefundedLender)
	}
	return out
}

func formatDeed(d *deed.Deed) deedJSON {
	out := deedJSON{
		ID:       d.ID,
		Owner:    formatAddress(d.Owner),
		TokenURI: d.TokenURI,
		MintedAt: d.MintedAt,
	}
	if d.HasApproval() {
		out.Approved = formatAddress(d.Approved)
	}
	return out
}

func parseAddress(field, value string) ([20]byte, *RPCError) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, invalidParams(fmt.Sprintf("%s required", field))
	}
	addr, err := crypto.ParseDeedAddress(value)
	if err != nil {
		return [20]byte{}, invalidParams(fmt.Sprintf("invalid %s: %v", field, err))
	}
	return addr, nil
}

// parseAmount accepts a base-10 string bounded to 256 bits.
func parseAmount(field, value string, allowZero bool) (*big.Int, *RPCError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, invalidParams(fmt.Sprintf("%s required", field))
	}
	parsed, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("invalid %s: %v", field, err))
	}
	if !allowZero && parsed.IsZero() {
		return nil, invalidParams(fmt.Sprintf("%s must be positive", field))
	}
	return parsed.ToBig(), nil
}

// ledgerError maps domain errors to JSON-RPC errors. Escrow kinds are checked
// before registry kinds since escrow errors wrap registry failures.
func ledgerError(err error) *RPCError {
	data := err.Error()
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		return newError(http.StatusForbidden, codeForbidden, "unauthorized", data)
	case errors.Is(err, escrow.ErrListingNotFound):
		return newError(http.StatusNotFound, codeNotFound, "not_found", data)
	case errors.Is(err, escrow.ErrInvalidState):
		return newError(http.StatusConflict, codeConflict, "invalid_state", data)
	case errors.Is(err, escrow.ErrPreconditionNotMet):
		return newError(http.StatusPreconditionFailed, codePreconditionFailed, "precondition_not_met", data)
	case errors.Is(err, escrow.ErrCustodyTransferFailed):
		return newError(http.StatusInternalServerError, codeCustodyFailed, "custody_transfer_failed", data)
	case errors.Is(err, escrow.ErrInvariantViolation):
		return newError(http.StatusUnprocessableEntity, codeInvariantViolation, "invariant_violation", data)
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return newError(http.StatusUnprocessableEntity, codeInsufficientBalance, "insufficient_balance", data)
	case errors.Is(err, deed.ErrDeedNotFound):
		return newError(http.StatusNotFound, codeNotFound, "not_found", data)
	case errors.Is(err, deed.ErrNotOwner), errors.Is(err, deed.ErrNotAuthorized):
		return newError(http.StatusForbidden, codeForbidden, "unauthorized", data)
	case errors.Is(err, deed.ErrInvalidRecipient), errors.Is(err, deed.ErrInvalidTokenURI):
		return invalidParams(data)
	default:
		return newError(http.StatusInternalServerError, codeInternal, "internal_error", data)
	}
}
