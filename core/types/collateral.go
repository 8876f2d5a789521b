package types

import (
	"encoding/hex"
	"math/big"
)

// Collateral identifies a single non-fungible asset pledged against a loan.
// For collection-wide offers the token id is nil until a concrete asset is
// supplied at acceptance time.
type Collateral struct {
	Contract [20]byte `json:"contract"`
	TokenID  *big.Int `json:"tokenId"`
}

// Key returns the canonical storage key for the asset.
func (c Collateral) Key() string {
	if c.TokenID == nil {
		return hex.EncodeToString(c.Contract[:])
	}
	return hex.EncodeToString(c.Contract[:]) + ":" + c.TokenID.String()
}

// Concrete reports whether the descriptor names a specific token rather than a
// whole collection.
func (c Collateral) Concrete() bool {
	return c.TokenID != nil
}

// Equal reports whether two descriptors reference the same asset.
func (c Collateral) Equal(other Collateral) bool {
	if c.Contract != other.Contract {
		return false
	}
	if c.TokenID == nil || other.TokenID == nil {
		return c.TokenID == nil && other.TokenID == nil
	}
	return c.TokenID.Cmp(other.TokenID) == 0
}

// Clone returns a deep copy of the descriptor.
func (c Collateral) Clone() Collateral {
	clone := Collateral{Contract: c.Contract}
	if c.TokenID != nil {
		clone.TokenID = new(big.Int).Set(c.TokenID)
	}
	return clone
}
