package offers

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"nftlend/core/types"
)

const (
	EventTypeOfferCreated   = "offer.created"
	EventTypeOfferCancelled = "offer.cancelled"
	EventTypeOfferAccepted  = "offer.accepted"
)

type offerEvent struct {
	evt *types.Event
}

func (e offerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e offerEvent) Event() *types.Event { return e.evt }

func newOfferCreatedEvent(o *Offer) *types.Event {
	return newOfferEvent(EventTypeOfferCreated, o, nil)
}

func newOfferCancelledEvent(o *Offer) *types.Event {
	return newOfferEvent(EventTypeOfferCancelled, o, nil)
}

func newOfferAcceptedEvent(o *Offer, borrower [20]byte, loanID [32]byte, draw *big.Int) *types.Event {
	evt := newOfferEvent(EventTypeOfferAccepted, o, draw)
	evt.Attributes["borrower"] = hex.EncodeToString(borrower[:])
	evt.Attributes["loanId"] = hex.EncodeToString(loanID[:])
	return evt
}

func newOfferEvent(eventType string, o *Offer, draw *big.Int) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(o.ID[:])
	attrs["lender"] = hex.EncodeToString(o.Lender[:])
	attrs["kind"] = strconv.FormatUint(uint64(o.Kind), 10)
	attrs["collateral"] = o.Collateral.Key()
	attrs["currency"] = o.Currency
	attrs["aprBps"] = strconv.FormatUint(o.APRBps, 10)
	attrs["duration"] = strconv.FormatInt(o.Duration, 10)
	attrs["expiry"] = strconv.FormatInt(o.Expiry, 10)
	attrs["active"] = strconv.FormatBool(o.Active)
	if o.Principal != nil && o.Principal.Sign() > 0 {
		attrs["principal"] = o.Principal.String()
	}
	if o.Kind == OfferCollection {
		if o.TotalCapacity != nil {
			attrs["totalCapacity"] = o.TotalCapacity.String()
		}
		if o.AmountDrawn != nil {
			attrs["amountDrawn"] = o.AmountDrawn.String()
		}
	}
	if draw != nil {
		attrs["draw"] = draw.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
