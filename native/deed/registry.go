package deed

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"deedledger/core/events"
	"deedledger/core/state"
	"deedledger/core/types"
)

// MaxTokenURILength bounds the metadata reference stored with each deed.
const MaxTokenURILength = 512

var (
	deedPrefix   = []byte("deed/record/")
	supplyKeyRaw = []byte("deed/supply")
)

func deedKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return state.Key(deedPrefix, buf[:])
}

func supplyKey() []byte { return state.Key(supplyKeyRaw) }

type storedSupply struct {
	Count uint64
}

// Registry tracks deed identity and ownership. Every mutation is staged on the
// caller's transaction so ownership changes commit together with whatever
// else the transaction carries. Callers serialize mutations per asset id;
// Mint additionally requires that no other mint is in flight.
type Registry struct {
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry returns a registry with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the emitter that receives events after commit.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for mint timestamps.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) emitOnCommit(tx *state.Tx, evt *types.Event) {
	emitter := r.emitter
	tx.OnCommit(func() { emitter.Emit(deedEvent{evt: evt}) })
}

// Mint creates the next deed owned by owner. Identifiers start at 1.
func (r *Registry) Mint(tx *state.Tx, owner [20]byte, tokenURI string) (*Deed, error) {
	if owner == ([20]byte{}) {
		return nil, ErrInvalidRecipient
	}
	uri := strings.TrimSpace(tokenURI)
	if uri == "" || len(uri) > MaxTokenURILength {
		return nil, ErrInvalidTokenURI
	}
	supply, err := r.TotalSupply(tx)
	if err != nil {
		return nil, err
	}
	d := &Deed{
		ID:       supply + 1,
		Owner:    owner,
		TokenURI: uri,
		MintedAt: uint64(r.nowFn()),
	}
	if err := tx.PutRLP(deedKey(d.ID), d); err != nil {
		return nil, err
	}
	if err := tx.PutRLP(supplyKey(), &storedSupply{Count: d.ID}); err != nil {
		return nil, err
	}
	r.emitOnCommit(tx, newMintedEvent(d))
	return d.Clone(), nil
}

// Approve lets spender transfer the deed once. Only the owner may approve;
// the zero address clears the approval.
func (r *Registry) Approve(tx *state.Tx, caller [20]byte, id uint64, spender [20]byte) error {
	d, err := r.Get(tx, id)
	if err != nil {
		return err
	}
	if d.Owner != caller {
		return fmt.Errorf("%w: only the owner may approve deed %d", ErrNotAuthorized, id)
	}
	d.Approved = spender
	if err := tx.PutRLP(deedKey(id), d); err != nil {
		return err
	}
	r.emitOnCommit(tx, newApprovedEvent(d))
	return nil
}

// TransferOwnership moves the deed from from to to. It fails with ErrNotOwner
// when from does not hold the deed and with ErrNotAuthorized unless caller is
// the owner or the approved address. Any approval is cleared.
func (r *Registry) TransferOwnership(tx *state.Tx, caller [20]byte, id uint64, from, to [20]byte) error {
	if to == ([20]byte{}) {
		return ErrInvalidRecipient
	}
	d, err := r.Get(tx, id)
	if err != nil {
		return err
	}
	if d.Owner != from {
		return fmt.Errorf("%w: deed %d", ErrNotOwner, id)
	}
	if caller != d.Owner && (!d.HasApproval() || caller != d.Approved) {
		return fmt.Errorf("%w: deed %d", ErrNotAuthorized, id)
	}
	d.Owner = to
	d.Approved = [20]byte{}
	if err := tx.PutRLP(deedKey(id), d); err != nil {
		return err
	}
	r.emitOnCommit(tx, newTransferredEvent(id, from, to))
	return nil
}

// OwnerOf returns the current owner of the deed.
func (r *Registry) OwnerOf(rd state.Reader, id uint64) ([20]byte, error) {
	d, err := r.Get(rd, id)
	if err != nil {
		return [20]byte{}, err
	}
	return d.Owner, nil
}

// Get loads the deed record.
func (r *Registry) Get(rd state.Reader, id uint64) (*Deed, error) {
	if id == 0 {
		return nil, ErrDeedNotFound
	}
	d := new(Deed)
	ok, err := state.DecodeRLP(rd, deedKey(id), d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeedNotFound, id)
	}
	return d, nil
}

// TotalSupply reports how many deeds were minted.
func (r *Registry) TotalSupply(rd state.Reader) (uint64, error) {
	supply := new(storedSupply)
	if _, err := state.DecodeRLP(rd, supplyKey(), supply); err != nil {
		return 0, err
	}
	return supply.Count, nil
}
