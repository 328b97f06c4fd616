package escrow

import (
	"encoding/hex"
	"math/big"

	"deedledger/core/events"
	"deedledger/core/types"
)

const (
	EventTypeListed            = "escrow.listed"
	EventTypeEarnestDeposited  = "escrow.earnest_deposited"
	EventTypeLoanFunded        = "escrow.loan_funded"
	EventTypeInspectionUpdated = "escrow.inspection_updated"
	EventTypeApproved          = "escrow.approved"
	EventTypeSettled           = "escrow.settled"
	EventTypeCancelled         = "escrow.cancelled"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewListedEvent returns the canonical payload for a new listing.
func NewListedEvent(l *Listing) *types.Event {
	evt := newListingEvent(EventTypeListed, l)
	if l != nil {
		evt.Attributes["purchasePrice"] = events.FormatAmount(l.PurchasePrice)
		evt.Attributes["escrowAmount"] = events.FormatAmount(l.EscrowAmount)
	}
	return evt
}

// NewDepositEvent returns the payload for an earnest deposit or a loan
// funding, depending on eventType.
func NewDepositEvent(eventType string, l *Listing, from [20]byte, amount *big.Int) *types.Event {
	evt := newListingEvent(eventType, l)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["amount"] = events.FormatAmount(amount)
	return evt
}

// NewInspectionEvent returns the payload for an inspection update.
func NewInspectionEvent(l *Listing) *types.Event {
	evt := newListingEvent(EventTypeInspectionUpdated, l)
	if l != nil {
		evt.Attributes["passed"] = events.FormatBool(l.InspectionPassed)
	}
	return evt
}

// NewApprovedEvent returns the payload for a party approval.
func NewApprovedEvent(l *Listing, party [20]byte) *types.Event {
	evt := newListingEvent(EventTypeApproved, l)
	evt.Attributes["party"] = hex.EncodeToString(party[:])
	return evt
}

// NewClosedEvent returns the settled or cancelled payload including the
// custody disbursement.
func NewClosedEvent(eventType string, l *Listing, initiator [20]byte) *types.Event {
	evt := newListingEvent(eventType, l)
	evt.Attributes["initiator"] = hex.EncodeToString(initiator[:])
	if l != nil {
		evt.Attributes["paidToSeller"] = events.FormatAmount(l.PaidToSeller)
		evt.Attributes["refundedBuyer"] = events.FormatAmount(l.RefundedBuyer)
		evt.Attributes["refundedLender"] = events.FormatAmount(l.RefundedLender)
		evt.Attributes["closedAt"] = events.FormatUint(l.ClosedAt)
	}
	return evt
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["assetId"] = events.FormatUint(l.AssetID)
	attrs["round"] = events.FormatUint(l.Round)
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	attrs["buyer"] = hex.EncodeToString(l.Buyer[:])
	attrs["status"] = l.Status.String()
	attrs["custodyBalance"] = events.FormatAmount(l.CustodyBalance)
	return &types.Event{Type: eventType, Attributes: attrs}
}
