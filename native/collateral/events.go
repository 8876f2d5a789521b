package collateral

import (
	"encoding/hex"
	"strconv"

	"nftlend/core/types"
)

const (
	EventTypeCollateralLocked     = "collateral.locked"
	EventTypeCollateralReleased   = "collateral.released"
	EventTypeCollateralReassigned = "collateral.reassigned"
)

type custodyEvent struct {
	evt *types.Event
}

func (e custodyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e custodyEvent) Event() *types.Event { return e.evt }

func newLockedEvent(record *LockRecord) *types.Event {
	return newCustodyEvent(EventTypeCollateralLocked, record, nil, nil)
}

func newReleasedEvent(record *LockRecord, to [20]byte) *types.Event {
	return newCustodyEvent(EventTypeCollateralReleased, record, &to, nil)
}

func newReassignedEvent(record *LockRecord, previous [32]byte) *types.Event {
	return newCustodyEvent(EventTypeCollateralReassigned, record, nil, &previous)
}

func newCustodyEvent(eventType string, record *LockRecord, to *[20]byte, previousLoan *[32]byte) *types.Event {
	attrs := make(map[string]string)
	if record == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["asset"] = record.Asset.Key()
	attrs["loanId"] = hex.EncodeToString(record.LoanID[:])
	attrs["owner"] = hex.EncodeToString(record.Owner[:])
	attrs["lockedAt"] = strconv.FormatInt(record.LockedAt, 10)
	if to != nil {
		attrs["to"] = hex.EncodeToString((*to)[:])
	}
	if previousLoan != nil {
		attrs["previousLoanId"] = hex.EncodeToString((*previousLoan)[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
