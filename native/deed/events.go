package deed

import (
	"encoding/hex"

	"deedledger/core/events"
	"deedledger/core/types"
)

const (
	EventTypeMinted      = "deed.minted"
	EventTypeApproved    = "deed.approved"
	EventTypeTransferred = "deed.transferred"
)

type deedEvent struct {
	evt *types.Event
}

func (e deedEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e deedEvent) Event() *types.Event { return e.evt }

func newMintedEvent(d *Deed) *types.Event {
	return &types.Event{
		Type: EventTypeMinted,
		Attributes: map[string]string{
			"assetId":  events.FormatUint(d.ID),
			"owner":    hex.EncodeToString(d.Owner[:]),
			"tokenURI": d.TokenURI,
		},
	}
}

func newApprovedEvent(d *Deed) *types.Event {
	return &types.Event{
		Type: EventTypeApproved,
		Attributes: map[string]string{
			"assetId":  events.FormatUint(d.ID),
			"owner":    hex.EncodeToString(d.Owner[:]),
			"approved": hex.EncodeToString(d.Approved[:]),
		},
	}
}

func newTransferredEvent(id uint64, from, to [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeTransferred,
		Attributes: map[string]string{
			"assetId": events.FormatUint(id),
			"from":    hex.EncodeToString(from[:]),
			"to":      hex.EncodeToString(to[:]),
		},
	}
}
