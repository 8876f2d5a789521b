package auction

import (
	"fmt"
	"math/big"

	"nftlend/core/types"
)

// AuctionStatus tracks an auction from opening through settlement. Ending an
// auction only finalizes the outcome; fund and asset movement happen in the
// separate settlement step.
type AuctionStatus uint8

const (
	AuctionActive AuctionStatus = iota
	AuctionEndedNoBids
	AuctionEndedSold
	AuctionSettled
)

// Valid reports whether the status value is within the supported range.
func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionActive, AuctionEndedNoBids, AuctionEndedSold, AuctionSettled:
		return true
	default:
		return false
	}
}

// String returns the canonical name used in events and logs.
func (s AuctionStatus) String() string {
	switch s {
	case AuctionActive:
		return "active"
	case AuctionEndedNoBids:
		return "ended_no_bids"
	case AuctionEndedSold:
		return "ended_sold"
	case AuctionSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Claimant is a proceeds beneficiary with a pro-rata weight. The first
// claimant in an auction's set is the senior claimant and receives the asset
// back when the auction closes without bids.
type Claimant struct {
	Beneficiary [20]byte `json:"beneficiary"`
	Weight      uint64   `json:"weight"`
}

// Auction is an English auction over a defaulted loan's collateral. The
// highest bid is monotonically increasing while ACTIVE and the displaced
// bidder is always refunded within the call that accepts the new bid.
type Auction struct {
	ID            [32]byte         `json:"id"`
	LoanID        [32]byte         `json:"loanId"`
	Collateral    types.Collateral `json:"collateral"`
	Currency      string           `json:"currency"`
	StartingBid   *big.Int         `json:"startingBid"`
	HighestBid    *big.Int         `json:"highestBid"`
	HighestBidder [20]byte         `json:"highestBidder"`
	StartTime     int64            `json:"startTime"`
	EndTime       int64            `json:"endTime"`
	Status        AuctionStatus    `json:"status"`
	Claimants     []Claimant       `json:"claimants"`
}

// Clone returns a deep copy of the auction.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Collateral = a.Collateral.Clone()
	if a.StartingBid != nil {
		clone.StartingBid = new(big.Int).Set(a.StartingBid)
	}
	if a.HighestBid != nil {
		clone.HighestBid = new(big.Int).Set(a.HighestBid)
	}
	if len(a.Claimants) > 0 {
		clone.Claimants = make([]Claimant, len(a.Claimants))
		copy(clone.Claimants, a.Claimants)
	}
	return &clone
}

// TotalWeight sums the claimant weights.
func (a *Auction) TotalWeight() uint64 {
	if a == nil {
		return 0
	}
	var total uint64
	for _, c := range a.Claimants {
		total += c.Weight
	}
	return total
}

// SanitizeAuction validates the auction and returns a clone with non-nil
// amount fields. The original value is not mutated.
func SanitizeAuction(a *Auction) (*Auction, error) {
	if a == nil {
		return nil, fmt.Errorf("nil auction")
	}
	if !a.Status.Valid() {
		return nil, fmt.Errorf("invalid auction status: %d", a.Status)
	}
	clone := a.Clone()
	if clone.StartingBid == nil || clone.StartingBid.Sign() <= 0 {
		return nil, fmt.Errorf("auction starting bid must be positive")
	}
	if clone.HighestBid == nil {
		clone.HighestBid = big.NewInt(0)
	}
	if clone.EndTime <= clone.StartTime {
		return nil, fmt.Errorf("auction end time must follow start time")
	}
	if len(clone.Claimants) == 0 {
		return nil, fmt.Errorf("auction requires at least one claimant")
	}
	if clone.TotalWeight() == 0 {
		return nil, fmt.Errorf("auction claimant weights must sum to a positive value")
	}
	return clone, nil
}

// Buyout is a fixed-price, time-boxed right for a designated senior claimant
// to acquire a defaulted position instead of running an auction. A buyout and
// an auction are never simultaneously active for the same loan.
type Buyout struct {
	LoanID     [32]byte         `json:"loanId"`
	Claimant   [20]byte         `json:"claimant"`
	Collateral types.Collateral `json:"collateral"`
	Currency   string           `json:"currency"`
	Price      *big.Int         `json:"price"`
	Deadline   int64            `json:"deadline"`
	Active     bool             `json:"active"`
	Completed  bool             `json:"completed"`
	Claimants  []Claimant       `json:"claimants"`
	CreatedAt  int64            `json:"createdAt"`
}

// Clone returns a deep copy of the buyout.
func (b *Buyout) Clone() *Buyout {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Collateral = b.Collateral.Clone()
	if b.Price != nil {
		clone.Price = new(big.Int).Set(b.Price)
	}
	if len(b.Claimants) > 0 {
		clone.Claimants = make([]Claimant, len(b.Claimants))
		copy(clone.Claimants, b.Claimants)
	}
	return &clone
}

// TotalWeight sums the claimant weights.
func (b *Buyout) TotalWeight() uint64 {
	if b == nil {
		return 0
	}
	var total uint64
	for _, c := range b.Claimants {
		total += c.Weight
	}
	return total
}
