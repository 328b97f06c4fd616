package escrow

import (
	"encoding/binary"
	"fmt"

	"deedledger/core/state"
)

var (
	listingPrefix = []byte("escrow/listing/")
	historyPrefix = []byte("escrow/history/")
)

func uint64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func listingKey(assetID uint64) []byte {
	return state.Key(listingPrefix, uint64Bytes(assetID))
}

func historyKey(assetID, round uint64) []byte {
	return state.Key(historyPrefix, uint64Bytes(assetID), uint64Bytes(round))
}

func loadListing(r state.Reader, assetID uint64) (*Listing, error) {
	listing := new(Listing)
	ok, err := state.DecodeRLP(r, listingKey(assetID), listing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: asset %d", ErrListingNotFound, assetID)
	}
	listing.sanitize()
	return listing, nil
}

func storeListing(tx *state.Tx, listing *Listing) error {
	if !listing.Status.Valid() {
		return fmt.Errorf("escrow: invalid listing status %d", listing.Status)
	}
	listing.sanitize()
	return tx.PutRLP(listingKey(listing.AssetID), listing)
}

// archiveListing keeps a terminal record readable once the asset is relisted.
func archiveListing(tx *state.Tx, listing *Listing) error {
	if !listing.Status.Terminal() {
		return fmt.Errorf("%w: cannot archive active listing", ErrInvalidState)
	}
	listing.sanitize()
	return tx.PutRLP(historyKey(listing.AssetID, listing.Round), listing)
}

func loadArchived(r state.Reader, assetID, round uint64) (*Listing, error) {
	listing := new(Listing)
	ok, err := state.DecodeRLP(r, historyKey(assetID, round), listing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: asset %d round %d", ErrListingNotFound, assetID, round)
	}
	listing.sanitize()
	return listing, nil
}
