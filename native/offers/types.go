package offers

import (
	"fmt"
	"math/big"

	"nftlend/core/types"
)

// OfferKind distinguishes single-asset offers from collection-wide offers with
// shared capacity.
type OfferKind uint8

const (
	OfferStandard OfferKind = iota
	OfferCollection
)

// Valid reports whether the kind is within the supported range.
func (k OfferKind) Valid() bool {
	switch k {
	case OfferStandard, OfferCollection:
		return true
	default:
		return false
	}
}

// Offer is a lender's standing proposal to fund a loan against a specific
// asset (STANDARD) or any asset of a collection (COLLECTION). Offers are never
// deleted, only marked inactive.
type Offer struct {
	ID         [32]byte         `json:"id"`
	Lender     [20]byte         `json:"lender"`
	Kind       OfferKind        `json:"kind"`
	Collateral types.Collateral `json:"collateral"`
	Currency   string           `json:"currency"`
	// Principal is the loan amount for STANDARD offers. COLLECTION offers cap
	// each draw with MaxPrincipalPerLoan instead.
	Principal           *big.Int `json:"principal"`
	MaxPrincipalPerLoan *big.Int `json:"maxPrincipalPerLoan,omitempty"`
	APRBps              uint64   `json:"aprBps"`
	Duration            int64    `json:"duration"`
	Expiry              int64    `json:"expiry"`
	FeeBps              uint64   `json:"feeBps"`
	TotalCapacity       *big.Int `json:"totalCapacity,omitempty"`
	AmountDrawn         *big.Int `json:"amountDrawn,omitempty"`
	Active              bool     `json:"active"`
	CreatedAt           int64    `json:"createdAt"`
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Collateral = o.Collateral.Clone()
	if o.Principal != nil {
		clone.Principal = new(big.Int).Set(o.Principal)
	}
	if o.MaxPrincipalPerLoan != nil {
		clone.MaxPrincipalPerLoan = new(big.Int).Set(o.MaxPrincipalPerLoan)
	}
	if o.TotalCapacity != nil {
		clone.TotalCapacity = new(big.Int).Set(o.TotalCapacity)
	}
	if o.AmountDrawn != nil {
		clone.AmountDrawn = new(big.Int).Set(o.AmountDrawn)
	}
	return &clone
}

// RemainingCapacity reports how much principal a COLLECTION offer can still
// extend. STANDARD offers report their full principal while active.
func (o *Offer) RemainingCapacity() *big.Int {
	if o == nil {
		return big.NewInt(0)
	}
	if o.Kind == OfferStandard {
		if o.Principal == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(o.Principal)
	}
	if o.TotalCapacity == nil {
		return big.NewInt(0)
	}
	drawn := big.NewInt(0)
	if o.AmountDrawn != nil {
		drawn = o.AmountDrawn
	}
	remaining := new(big.Int).Sub(o.TotalCapacity, drawn)
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// SanitizeOffer validates and normalises the supplied offer, returning a clone
// with non-nil amount fields. The original value is not mutated.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("nil offer")
	}
	if !o.Kind.Valid() {
		return nil, fmt.Errorf("invalid offer kind: %d", o.Kind)
	}
	clone := o.Clone()
	if clone.Principal == nil {
		clone.Principal = big.NewInt(0)
	}
	if clone.Kind == OfferCollection {
		if clone.MaxPrincipalPerLoan == nil {
			clone.MaxPrincipalPerLoan = big.NewInt(0)
		}
		if clone.TotalCapacity == nil {
			clone.TotalCapacity = big.NewInt(0)
		}
		if clone.AmountDrawn == nil {
			clone.AmountDrawn = big.NewInt(0)
		}
		if clone.MaxPrincipalPerLoan.Cmp(clone.TotalCapacity) > 0 {
			return nil, fmt.Errorf("offer max principal per loan exceeds capacity")
		}
		if clone.AmountDrawn.Cmp(clone.TotalCapacity) > 0 {
			return nil, fmt.Errorf("offer drawn amount exceeds capacity")
		}
	}
	if clone.FeeBps > 10_000 {
		return nil, fmt.Errorf("offer fee bps out of range: %d", clone.FeeBps)
	}
	return clone, nil
}
