package lending

import (
	"fmt"
	"math/big"

	"nftlend/core/types"
)

// LoanStatus tracks the lifecycle of a loan. ACTIVE is the only state from
// which transitions are possible; every other status is terminal.
type LoanStatus uint8

const (
	LoanActive LoanStatus = iota
	LoanRepaid
	LoanDefaulted
	LoanLiquidated
	LoanRefinanced
)

// Valid reports whether the status value is within the supported range.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanRepaid, LoanDefaulted, LoanLiquidated, LoanRefinanced:
		return true
	default:
		return false
	}
}

// String returns the canonical name used in events and logs.
func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanDefaulted:
		return "defaulted"
	case LoanLiquidated:
		return "liquidated"
	case LoanRefinanced:
		return "refinanced"
	default:
		return "unknown"
	}
}

// Loan is an accepted offer materialized into an active debt obligation
// secured by escrowed collateral. Exactly one loan exists per accepted offer.
type Loan struct {
	ID         [32]byte         `json:"id"`
	OfferID    [32]byte         `json:"offerId"`
	Borrower   [20]byte         `json:"borrower"`
	Lender     [20]byte         `json:"lender"`
	Collateral types.Collateral `json:"collateral"`
	Currency   string           `json:"currency"`
	Principal  *big.Int         `json:"principal"`
	APRBps     uint64           `json:"aprBps"`
	// OriginationFee is the one-time fee deducted from the principal at
	// acceptance and routed to the fee treasury.
	OriginationFee *big.Int `json:"originationFee"`
	StartTime      int64    `json:"startTime"`
	DueTime        int64    `json:"dueTime"`
	// AccruedInterest is cached on the transition out of ACTIVE and frozen
	// thereafter.
	AccruedInterest *big.Int   `json:"accruedInterest"`
	Status          LoanStatus `json:"status"`
	// ExternalAssetID links the collateral to the external royalty registry
	// when the asset qualifies. Empty when unregistered.
	ExternalAssetID string `json:"externalAssetId,omitempty"`
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Collateral = l.Collateral.Clone()
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.OriginationFee != nil {
		clone.OriginationFee = new(big.Int).Set(l.OriginationFee)
	}
	if l.AccruedInterest != nil {
		clone.AccruedInterest = new(big.Int).Set(l.AccruedInterest)
	}
	return &clone
}

// SanitizeLoan validates the loan and returns a clone with non-nil amount
// fields. The original value is not mutated.
func SanitizeLoan(l *Loan) (*Loan, error) {
	if l == nil {
		return nil, fmt.Errorf("nil loan")
	}
	if !l.Status.Valid() {
		return nil, fmt.Errorf("invalid loan status: %d", l.Status)
	}
	clone := l.Clone()
	if clone.Principal == nil {
		clone.Principal = big.NewInt(0)
	}
	if clone.Principal.Sign() < 0 {
		return nil, fmt.Errorf("loan principal must be non-negative")
	}
	if clone.OriginationFee == nil {
		clone.OriginationFee = big.NewInt(0)
	}
	if clone.AccruedInterest == nil {
		clone.AccruedInterest = big.NewInt(0)
	}
	if clone.DueTime < clone.StartTime {
		return nil, fmt.Errorf("loan due time precedes start time")
	}
	return clone, nil
}

// RenegotiationProposal is a lender-proposed modification of an active loan's
// terms. It is consumed at most once by borrower acceptance and can never be
// replayed.
type RenegotiationProposal struct {
	ID        string   `json:"id"`
	LoanID    [32]byte `json:"loanId"`
	Proposer  [20]byte `json:"proposer"`
	Principal *big.Int `json:"principal"`
	APRBps    uint64   `json:"aprBps"`
	Duration  int64    `json:"duration"`
	Consumed  bool     `json:"consumed"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a deep copy of the proposal.
func (p *RenegotiationProposal) Clone() *RenegotiationProposal {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Principal != nil {
		clone.Principal = new(big.Int).Set(p.Principal)
	}
	return &clone
}

// SaleListing offers an active loan's collateral for sale at a price that
// always covers the worst-case debt, so a purchase discharges the loan.
type SaleListing struct {
	ID        [32]byte `json:"id"`
	LoanID    [32]byte `json:"loanId"`
	Seller    [20]byte `json:"seller"`
	Price     *big.Int `json:"price"`
	Currency  string   `json:"currency"`
	Active    bool     `json:"active"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a deep copy of the listing.
func (s *SaleListing) Clone() *SaleListing {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Price != nil {
		clone.Price = new(big.Int).Set(s.Price)
	}
	return &clone
}
