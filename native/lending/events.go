package lending

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"nftlend/core/types"
)

const (
	EventTypeLoanOpened            = "loan.opened"
	EventTypeLoanRepaid            = "loan.repaid"
	EventTypeLoanDefaulted         = "loan.defaulted"
	EventTypeLoanLiquidated        = "loan.liquidated"
	EventTypeLoanRefinanced        = "loan.refinanced"
	EventTypeRenegotiationProposed = "loan.renegotiation.proposed"
	EventTypeRenegotiationAccepted = "loan.renegotiation.accepted"
	EventTypeListingCreated        = "loan.listing.created"
	EventTypeListingSold           = "loan.listing.sold"
	EventTypeListingCancelled      = "loan.listing.cancelled"
)

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

func loanAttributes(l *Loan) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(l.ID[:])
	attrs["offerId"] = hex.EncodeToString(l.OfferID[:])
	attrs["borrower"] = hex.EncodeToString(l.Borrower[:])
	attrs["lender"] = hex.EncodeToString(l.Lender[:])
	attrs["collateral"] = l.Collateral.Key()
	attrs["currency"] = l.Currency
	attrs["aprBps"] = strconv.FormatUint(l.APRBps, 10)
	attrs["dueTime"] = strconv.FormatInt(l.DueTime, 10)
	attrs["status"] = l.Status.String()
	if l.Principal != nil {
		attrs["principal"] = l.Principal.String()
	}
	return attrs
}

func newLoanOpenedEvent(l *Loan) *types.Event {
	attrs := loanAttributes(l)
	if l != nil && l.OriginationFee != nil {
		attrs["originationFee"] = l.OriginationFee.String()
	}
	if l != nil && l.ExternalAssetID != "" {
		attrs["externalAssetId"] = l.ExternalAssetID
	}
	return &types.Event{Type: EventTypeLoanOpened, Attributes: attrs}
}

func newLoanRepaidEvent(l *Loan, total, royaltyApplied *big.Int) *types.Event {
	attrs := loanAttributes(l)
	if l != nil && l.AccruedInterest != nil {
		attrs["interest"] = l.AccruedInterest.String()
	}
	if total != nil {
		attrs["total"] = total.String()
	}
	if royaltyApplied != nil {
		attrs["royaltyApplied"] = royaltyApplied.String()
	}
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

func newLoanDefaultedEvent(l *Loan, claimed bool) *types.Event {
	attrs := loanAttributes(l)
	attrs["collateralClaimed"] = strconv.FormatBool(claimed)
	return &types.Event{Type: EventTypeLoanDefaulted, Attributes: attrs}
}

func newLoanLiquidatedEvent(l *Loan) *types.Event {
	return &types.Event{Type: EventTypeLoanLiquidated, Attributes: loanAttributes(l)}
}

func newLoanRefinancedEvent(oldLoan, newLoan *Loan) *types.Event {
	attrs := loanAttributes(oldLoan)
	if newLoan != nil {
		attrs["newLoanId"] = hex.EncodeToString(newLoan.ID[:])
		attrs["newLender"] = hex.EncodeToString(newLoan.Lender[:])
		if newLoan.Principal != nil {
			attrs["newPrincipal"] = newLoan.Principal.String()
		}
		attrs["newAprBps"] = strconv.FormatUint(newLoan.APRBps, 10)
		attrs["newDueTime"] = strconv.FormatInt(newLoan.DueTime, 10)
	}
	return &types.Event{Type: EventTypeLoanRefinanced, Attributes: attrs}
}

func newProposalEvent(eventType string, p *RenegotiationProposal) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["id"] = p.ID
		attrs["loanId"] = hex.EncodeToString(p.LoanID[:])
		attrs["proposer"] = hex.EncodeToString(p.Proposer[:])
		attrs["aprBps"] = strconv.FormatUint(p.APRBps, 10)
		attrs["duration"] = strconv.FormatInt(p.Duration, 10)
		attrs["consumed"] = strconv.FormatBool(p.Consumed)
		if p.Principal != nil {
			attrs["principal"] = p.Principal.String()
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newListingEvent(eventType string, s *SaleListing) *types.Event {
	attrs := make(map[string]string)
	if s != nil {
		attrs["id"] = hex.EncodeToString(s.ID[:])
		attrs["loanId"] = hex.EncodeToString(s.LoanID[:])
		attrs["seller"] = hex.EncodeToString(s.Seller[:])
		attrs["currency"] = s.Currency
		attrs["active"] = strconv.FormatBool(s.Active)
		if s.Price != nil {
			attrs["price"] = s.Price.String()
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
