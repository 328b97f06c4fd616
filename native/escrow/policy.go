package escrow

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

const maxBasisPoints = 10_000

// ForfeitRule sets how much of the buyer's deposit, in basis points, is paid
// to the seller when the named party cancels.
type ForfeitRule struct {
	BuyerCancels  uint32 `yaml:"buyer_cancels_bps"`
	SellerCancels uint32 `yaml:"seller_cancels_bps"`
}

// CancellationPolicy splits the buyer's deposit on cancellation, keyed on the
// inspection result. Lender funds are always returned to the lender. The zero
// value refunds the buyer in full.
type CancellationPolicy struct {
	InspectionPassed ForfeitRule `yaml:"inspection_passed"`
	InspectionFailed ForfeitRule `yaml:"inspection_failed"`
}

// DefaultCancellationPolicy refunds every deposit in full.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{}
}

// Validate rejects basis points above 100%.
func (p CancellationPolicy) Validate() error {
	for name, v := range map[string]uint32{
		"inspection_passed.buyer_cancels_bps":  p.InspectionPassed.BuyerCancels,
		"inspection_passed.seller_cancels_bps": p.InspectionPassed.SellerCancels,
		"inspection_failed.buyer_cancels_bps":  p.InspectionFailed.BuyerCancels,
		"inspection_failed.seller_cancels_bps": p.InspectionFailed.SellerCancels,
	} {
		if v > maxBasisPoints {
			return fmt.Errorf("cancellation policy %s out of range: %d", name, v)
		}
	}
	return nil
}

// ForfeitBps returns the share of the buyer deposit that goes to the seller.
func (p CancellationPolicy) ForfeitBps(inspectionPassed, sellerCancels bool) uint32 {
	rule := p.InspectionFailed
	if inspectionPassed {
		rule = p.InspectionPassed
	}
	if sellerCancels {
		return rule.SellerCancels
	}
	return rule.BuyerCancels
}

// Split divides the buyer deposit into the seller's forfeit share and the
// buyer's refund. The two always sum to buyerFunded; rounding favours the
// buyer.
func (p CancellationPolicy) Split(inspectionPassed, sellerCancels bool, buyerFunded *big.Int) (toSeller, toBuyer *big.Int) {
	total := cloneBigInt(buyerFunded)
	bps := p.ForfeitBps(inspectionPassed, sellerCancels)
	toSeller = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(bps)))
	toSeller.Div(toSeller, big.NewInt(maxBasisPoints))
	toBuyer = new(big.Int).Sub(total, toSeller)
	return toSeller, toBuyer
}

// LoadCancellationPolicy reads a YAML policy file. An empty path yields the
// default full-refund policy.
func LoadCancellationPolicy(path string) (CancellationPolicy, error) {
	policy := DefaultCancellationPolicy()
	if path == "" {
		return policy, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return policy, fmt.Errorf("open cancellation policy: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return policy, fmt.Errorf("decode cancellation policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}
