package royalty

import (
	"encoding/hex"
	"math/big"

	"nftlend/core/types"
)

const EventTypeRoyaltyApplied = "royalty.applied"

type royaltyEvent struct {
	evt *types.Event
}

func (e royaltyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e royaltyEvent) Event() *types.Event { return e.evt }

func newRoyaltyAppliedEvent(externalAssetID, currency string, amount *big.Int, recipient [20]byte) *types.Event {
	attrs := map[string]string{
		"externalAssetId": externalAssetID,
		"currency":        currency,
		"recipient":       hex.EncodeToString(recipient[:]),
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypeRoyaltyApplied, Attributes: attrs}
}
