package core

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"nftlend/config"
	"nftlend/core/events"
	"nftlend/core/types"
	"nftlend/native/auction"
	"nftlend/native/collateral"
	nativecommon "nftlend/native/common"
	"nftlend/native/lending"
	"nftlend/native/offers"
	"nftlend/native/royalty"
	"nftlend/observability"
	"nftlend/storage"
)

var (
	errNilStore         = errors.New("hub: store not configured")
	errAuctionStillOpen = errors.New("hub: auction still open for bidding")
)

// HubConfig bundles the collaborators the hub composes.
type HubConfig struct {
	Store           *storage.Store
	AllowLists      *config.AllowLists
	Pauses          nativecommon.PauseView
	FeeTreasury     [20]byte
	EscrowVault     [20]byte
	BidVault        [20]byte
	MaxFeeBps       uint64
	MinAuctionDur   int64
	Emitter         events.Emitter
	Logger          *slog.Logger
	RoyaltySource   royalty.Source
	RoyaltyRegistry royalty.Registry
}

// Hub is the protocol façade: it composes the offer registry, loan ledger,
// escrow ledger, liquidation subsystem and royalty adapter, and serializes
// mutating calls per entity so no two mutations interleave on the same
// offer, loan or auction.
type Hub struct {
	log     *slog.Logger
	metrics *observability.ProtocolMetrics

	store      *storage.Store
	offers     *offers.Engine
	loans      *lending.Engine
	collateral *collateral.Engine
	auctions   *auction.Engine
	royalty    *royalty.Adapter

	locks sync.Map
}

// loanOpener bridges offer acceptance into the loan ledger.
type loanOpener struct {
	hub *Hub
}

func (o loanOpener) Open(offer *offers.Offer, borrower [20]byte, asset types.Collateral, principal *big.Int) ([32]byte, error) {
	return o.hub.loans.Open(lending.OpenParams{
		OfferID:   offer.ID,
		Borrower:  borrower,
		Lender:    offer.Lender,
		Asset:     asset,
		Currency:  offer.Currency,
		Principal: principal,
		APRBps:    offer.APRBps,
		Duration:  offer.Duration,
		FeeBps:    offer.FeeBps,
	})
}

// NewHub wires the engines together over the shared store.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errNilStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hub := &Hub{
		log:     logger,
		metrics: observability.Metrics(),
		store:   cfg.Store,
	}

	custody := collateral.NewEngine(cfg.EscrowVault)
	custody.SetState(cfg.Store)
	custody.SetPauses(cfg.Pauses)
	custody.SetEmitter(cfg.Emitter)
	hub.collateral = custody

	loans := lending.NewEngine(custody, cfg.FeeTreasury)
	loans.SetState(cfg.Store)
	loans.SetPauses(cfg.Pauses)
	loans.SetEmitter(cfg.Emitter)
	loans.SetMaxFeeBps(cfg.MaxFeeBps)
	if cfg.RoyaltyRegistry != nil {
		loans.SetExternalAssetResolver(cfg.RoyaltyRegistry)
	}
	if cfg.RoyaltySource != nil {
		adapter := royalty.NewAdapter(cfg.RoyaltySource)
		adapter.SetEmitter(cfg.Emitter)
		loans.SetRoyaltyCollector(adapter)
		hub.royalty = adapter
	}
	hub.loans = loans

	registry := offers.NewEngine(cfg.AllowLists, cfg.AllowLists)
	registry.SetState(cfg.Store)
	registry.SetPauses(cfg.Pauses)
	registry.SetEmitter(cfg.Emitter)
	registry.SetLoanOpener(loanOpener{hub: hub})
	registry.SetMaxFeeBps(cfg.MaxFeeBps)
	hub.offers = registry

	auctions := auction.NewEngine(loans, custody, cfg.BidVault)
	auctions.SetState(cfg.Store)
	auctions.SetPauses(cfg.Pauses)
	auctions.SetEmitter(cfg.Emitter)
	auctions.SetMinDuration(cfg.MinAuctionDur)
	hub.auctions = auctions

	// The direct claim path must stand down while an auction or buyout holds
	// the collateral.
	loans.SetLiquidationView(auctions)

	return hub, nil
}

// SetNowFunc overrides the time source across every engine. Primarily
// intended for tests.
func (h *Hub) SetNowFunc(now func() int64) {
	h.offers.SetNowFunc(now)
	h.loans.SetNowFunc(now)
	h.collateral.SetNowFunc(now)
	h.auctions.SetNowFunc(now)
}

func (h *Hub) lock(kind string, key string) func() {
	muIface, _ := h.locks.LoadOrStore(kind+":"+key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func idHex(id [32]byte) string { return hex.EncodeToString(id[:]) }

// --- offers ---

// MakeOffer creates an offer. No funds move until acceptance.
func (h *Hub) MakeOffer(params offers.Params) (*offers.Offer, error) {
	offer, err := h.offers.MakeOffer(params)
	if err != nil {
		return nil, err
	}
	h.metrics.ObserveOfferCreated()
	h.log.Info("offer created", "offer", idHex(offer.ID), "kind", offer.Kind, "currency", offer.Currency)
	return offer, nil
}

// GetOffer returns the stored offer.
func (h *Hub) GetOffer(id [32]byte) (*offers.Offer, error) {
	return h.offers.Get(id)
}

// CancelOffer deactivates an offer on behalf of its lender.
func (h *Hub) CancelOffer(id [32]byte, caller [20]byte) error {
	defer h.lock("offer", idHex(id))()
	if err := h.offers.CancelOffer(id, caller); err != nil {
		return err
	}
	h.metrics.ObserveOfferCancelled()
	h.log.Info("offer cancelled", "offer", idHex(id))
	return nil
}

// AcceptOffer turns an offer into a loan, escrowing the borrower's collateral
// and disbursing the principal.
func (h *Hub) AcceptOffer(id [32]byte, caller [20]byte, asset types.Collateral, principal *big.Int) ([32]byte, error) {
	defer h.lock("offer", idHex(id))()
	loanID, err := h.offers.AcceptOffer(id, caller, asset, principal)
	if err != nil {
		return [32]byte{}, err
	}
	h.metrics.ObserveLoanOpened()
	h.log.Info("loan opened", "offer", idHex(id), "loan", idHex(loanID), "borrower", hex.EncodeToString(caller[:]))
	return loanID, nil
}

// --- loans ---

// GetLoan returns the stored loan.
func (h *Hub) GetLoan(id [32]byte) (*lending.Loan, error) {
	return h.loans.GetLoan(id)
}

// CalculateInterest returns the interest owed on the loan as of now, or the
// frozen amount once the loan has resolved.
func (h *Hub) CalculateInterest(id [32]byte) (*big.Int, error) {
	return h.loans.CalculateInterest(id)
}

// IsRepayable reports whether the loan can still be repaid.
func (h *Hub) IsRepayable(id [32]byte) (bool, error) {
	return h.loans.IsRepayable(id)
}

// IsInDefault reports whether the loan is past due or already defaulted.
func (h *Hub) IsInDefault(id [32]byte) (bool, error) {
	return h.loans.IsInDefault(id)
}

// Repay settles the loan from the borrower's balance.
func (h *Hub) Repay(id [32]byte, caller [20]byte) error {
	defer h.lock("loan", idHex(id))()
	if err := h.loans.Repay(id, caller); err != nil {
		return err
	}
	h.metrics.ObserveLoanResolved(lending.LoanRepaid.String())
	h.log.Info("loan repaid", "loan", idHex(id))
	return nil
}

// ClaimAndRepay settles the loan applying accrued royalty income first.
func (h *Hub) ClaimAndRepay(id [32]byte, caller [20]byte) (*big.Int, error) {
	defer h.lock("loan", idHex(id))()
	applied, err := h.loans.ClaimAndRepay(id, caller)
	if err != nil {
		return nil, err
	}
	h.metrics.ObserveLoanResolved(lending.LoanRepaid.String())
	h.metrics.ObserveRoyaltyApplied(applied)
	h.log.Info("loan repaid with royalties", "loan", idHex(id), "royaltyApplied", applied.String())
	return applied, nil
}

// ClaimCollateral is the lender's direct default remedy.
func (h *Hub) ClaimCollateral(id [32]byte, caller [20]byte) error {
	defer h.lock("loan", idHex(id))()
	if err := h.loans.ClaimCollateral(id, caller); err != nil {
		return err
	}
	h.metrics.ObserveLoanResolved(lending.LoanDefaulted.String())
	h.log.Info("collateral claimed on default", "loan", idHex(id))
	return nil
}

// ProposeRenegotiation opens a single-use terms proposal from the lender.
func (h *Hub) ProposeRenegotiation(loanID [32]byte, caller [20]byte, principal *big.Int, aprBps uint64, duration int64) (*lending.RenegotiationProposal, error) {
	defer h.lock("loan", idHex(loanID))()
	return h.loans.ProposeRenegotiation(loanID, caller, principal, aprBps, duration)
}

// AcceptRenegotiation consumes a proposal on behalf of the borrower.
func (h *Hub) AcceptRenegotiation(proposalID string, caller [20]byte) error {
	proposal, ok := h.store.ProposalGet(proposalID)
	if !ok {
		// Let the engine report the canonical error.
		return h.loans.AcceptRenegotiation(proposalID, caller)
	}
	defer h.lock("loan", idHex(proposal.LoanID))()
	if err := h.loans.AcceptRenegotiation(proposalID, caller); err != nil {
		return err
	}
	h.log.Info("renegotiation accepted", "loan", idHex(proposal.LoanID), "proposal", proposalID)
	return nil
}

// Refinance settles the loan under a new lender and reopened terms.
func (h *Hub) Refinance(loanID [32]byte, newLender [20]byte, principal *big.Int, aprBps uint64, duration int64, feeBps uint64) ([32]byte, error) {
	defer h.lock("loan", idHex(loanID))()
	newID, err := h.loans.Refinance(loanID, newLender, principal, aprBps, duration, feeBps)
	if err != nil {
		return [32]byte{}, err
	}
	h.metrics.ObserveLoanResolved(lending.LoanRefinanced.String())
	h.log.Info("loan refinanced", "loan", idHex(loanID), "newLoan", idHex(newID))
	return newID, nil
}

// ListForSale lists the loan's collateral at a price covering the worst-case
// debt.
func (h *Hub) ListForSale(loanID [32]byte, price *big.Int, caller [20]byte) (*lending.SaleListing, error) {
	defer h.lock("loan", idHex(loanID))()
	return h.loans.ListForSale(loanID, price, caller)
}

// BuyListed purchases listed collateral, discharging the loan.
func (h *Hub) BuyListed(listingID [32]byte, caller [20]byte, payment *big.Int) error {
	listing, ok := h.store.ListingGet(listingID)
	if !ok {
		return h.loans.BuyListed(listingID, caller, payment)
	}
	defer h.lock("loan", idHex(listing.LoanID))()
	if err := h.loans.BuyListed(listingID, caller, payment); err != nil {
		return err
	}
	h.metrics.ObserveLoanResolved(lending.LoanRepaid.String())
	h.log.Info("listed collateral sold", "listing", idHex(listingID), "loan", idHex(listing.LoanID))
	return nil
}

// CancelListing deactivates a sale listing on behalf of its seller.
func (h *Hub) CancelListing(listingID [32]byte, caller [20]byte) error {
	listing, ok := h.store.ListingGet(listingID)
	if !ok {
		return h.loans.CancelListing(listingID, caller)
	}
	defer h.lock("loan", idHex(listing.LoanID))()
	return h.loans.CancelListing(listingID, caller)
}

// RecordExternalRepayment marks a loan repaid after a qualifying off-ledger
// settlement and hands the collateral to the new owner.
func (h *Hub) RecordExternalRepayment(loanID [32]byte, newOwner [20]byte) error {
	defer h.lock("loan", idHex(loanID))()
	if err := h.loans.RecordExternalRepayment(loanID, newOwner); err != nil {
		return err
	}
	h.metrics.ObserveLoanResolved(lending.LoanRepaid.String())
	h.log.Info("external repayment recorded", "loan", idHex(loanID))
	return nil
}

// --- liquidation ---

// StartLiquidation marks a past-due loan DEFAULTED and opens an auction over
// its collateral. An empty claimant set defaults to the lender alone.
func (h *Hub) StartLiquidation(loanID [32]byte, startingBid *big.Int, duration int64, claimants []auction.Claimant) ([32]byte, error) {
	defer h.lock("loan", idHex(loanID))()
	if err := h.loans.MarkDefaulted(loanID); err != nil {
		return [32]byte{}, err
	}
	loan, err := h.loans.GetLoan(loanID)
	if err != nil {
		return [32]byte{}, err
	}
	if len(claimants) == 0 {
		claimants = []auction.Claimant{{Beneficiary: loan.Lender, Weight: 1}}
	}
	auctionID, err := h.auctions.Start(loanID, loan.Collateral, loan.Currency, startingBid, duration, claimants)
	if err != nil {
		return [32]byte{}, err
	}
	h.metrics.ObserveAuctionStarted()
	h.log.Info("liquidation auction started", "loan", idHex(loanID), "auction", idHex(auctionID))
	return auctionID, nil
}

// GetAuction returns the stored auction.
func (h *Hub) GetAuction(id [32]byte) (*auction.Auction, error) {
	return h.auctions.Get(id)
}

// PlaceBid accepts a strictly higher bid, refunding the displaced bidder in
// the same call.
func (h *Hub) PlaceBid(auctionID [32]byte, bidder [20]byte, amount *big.Int) error {
	defer h.lock("auction", idHex(auctionID))()
	if err := h.auctions.PlaceBid(auctionID, bidder, amount); err != nil {
		return err
	}
	h.metrics.ObserveBidPlaced()
	return nil
}

// EndAuction finalizes the auction outcome once the end time passed.
func (h *Hub) EndAuction(auctionID [32]byte) error {
	defer h.lock("auction", idHex(auctionID))()
	return h.auctions.End(auctionID)
}

// SettleAuction moves funds and the asset for an ended auction: proceeds and
// collateral for a sold auction, collateral back to the senior claimant for a
// bidless one.
func (h *Hub) SettleAuction(auctionID [32]byte) error {
	defer h.lock("auction", idHex(auctionID))()
	state, err := h.auctions.Get(auctionID)
	if err != nil {
		return err
	}
	switch state.Status {
	case auction.AuctionActive:
		return errAuctionStillOpen
	case auction.AuctionEndedSold:
		if err := h.auctions.DistributeProceeds(auctionID); err != nil {
			return err
		}
		h.metrics.ObserveAuctionSettled("sold")
		h.metrics.ObserveLoanResolved(lending.LoanLiquidated.String())
		h.log.Info("auction settled", "auction", idHex(auctionID), "path", "sold")
		return nil
	default:
		if err := h.auctions.ClaimCollateralPostAuction(auctionID); err != nil {
			return err
		}
		h.metrics.ObserveAuctionSettled("no_bids")
		h.log.Info("auction settled", "auction", idHex(auctionID), "path", "no_bids")
		return nil
	}
}

// InitiateBuyout marks the loan DEFAULTED if needed and opens a fixed-price
// buyout window for the designated claimant.
func (h *Hub) InitiateBuyout(loanID [32]byte, claimant [20]byte, price *big.Int, deadline int64, claimants []auction.Claimant) error {
	defer h.lock("loan", idHex(loanID))()
	if err := h.loans.MarkDefaulted(loanID); err != nil {
		return err
	}
	loan, err := h.loans.GetLoan(loanID)
	if err != nil {
		return err
	}
	if len(claimants) == 0 {
		claimants = []auction.Claimant{{Beneficiary: loan.Lender, Weight: 1}}
	}
	return h.auctions.InitiateBuyout(loanID, claimant, loan.Collateral, loan.Currency, price, deadline, claimants)
}

// ExecuteBuyout completes an open buyout window.
func (h *Hub) ExecuteBuyout(loanID [32]byte, caller [20]byte) error {
	defer h.lock("loan", idHex(loanID))()
	if err := h.auctions.ExecuteBuyout(loanID, caller); err != nil {
		return err
	}
	h.metrics.ObserveLoanResolved(lending.LoanLiquidated.String())
	h.log.Info("buyout executed", "loan", idHex(loanID))
	return nil
}
