package auction

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"nftlend/core/types"
)

const (
	EventTypeAuctionStarted  = "auction.started"
	EventTypeAuctionBid      = "auction.bid"
	EventTypeAuctionEnded    = "auction.ended"
	EventTypeAuctionSettled  = "auction.settled"
	EventTypeBuyoutInitiated = "auction.buyout.initiated"
	EventTypeBuyoutExecuted  = "auction.buyout.executed"
)

type auctionEvent struct {
	evt *types.Event
}

func (e auctionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e auctionEvent) Event() *types.Event { return e.evt }

func auctionAttributes(a *Auction) map[string]string {
	attrs := make(map[string]string)
	if a == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(a.ID[:])
	attrs["loanId"] = hex.EncodeToString(a.LoanID[:])
	attrs["collateral"] = a.Collateral.Key()
	attrs["currency"] = a.Currency
	attrs["endTime"] = strconv.FormatInt(a.EndTime, 10)
	attrs["status"] = a.Status.String()
	if a.StartingBid != nil {
		attrs["startingBid"] = a.StartingBid.String()
	}
	if a.HighestBid != nil && a.HighestBid.Sign() > 0 {
		attrs["highestBid"] = a.HighestBid.String()
		attrs["highestBidder"] = hex.EncodeToString(a.HighestBidder[:])
	}
	return attrs
}

func newAuctionStartedEvent(a *Auction) *types.Event {
	attrs := auctionAttributes(a)
	attrs["claimants"] = strconv.Itoa(len(a.Claimants))
	return &types.Event{Type: EventTypeAuctionStarted, Attributes: attrs}
}

func newBidEvent(a *Auction, bidder [20]byte, amount *big.Int) *types.Event {
	attrs := auctionAttributes(a)
	attrs["bidder"] = hex.EncodeToString(bidder[:])
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypeAuctionBid, Attributes: attrs}
}

func newAuctionEndedEvent(a *Auction) *types.Event {
	return &types.Event{Type: EventTypeAuctionEnded, Attributes: auctionAttributes(a)}
}

func newAuctionSettledEvent(a *Auction, path string) *types.Event {
	attrs := auctionAttributes(a)
	attrs["path"] = path
	return &types.Event{Type: EventTypeAuctionSettled, Attributes: attrs}
}

func newBuyoutEvent(eventType string, b *Buyout) *types.Event {
	attrs := make(map[string]string)
	if b != nil {
		attrs["loanId"] = hex.EncodeToString(b.LoanID[:])
		attrs["claimant"] = hex.EncodeToString(b.Claimant[:])
		attrs["collateral"] = b.Collateral.Key()
		attrs["currency"] = b.Currency
		attrs["deadline"] = strconv.FormatInt(b.Deadline, 10)
		attrs["completed"] = strconv.FormatBool(b.Completed)
		if b.Price != nil {
			attrs["price"] = b.Price.String()
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
