package collateral

import (
	"nftlend/core/types"
)

// LockRecord captures the custody of a single escrowed asset. At all times an
// asset maps to zero or one active loan; the record exists exactly while the
// protocol vault holds the asset.
type LockRecord struct {
	Asset    types.Collateral `json:"asset"`
	LoanID   [32]byte         `json:"loanId"`
	Owner    [20]byte         `json:"owner"`
	LockedAt int64            `json:"lockedAt"`
}

// Clone returns a deep copy of the lock record.
func (r *LockRecord) Clone() *LockRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Asset = r.Asset.Clone()
	return &clone
}
