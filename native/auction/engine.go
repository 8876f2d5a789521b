package auction

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftlend/core/events"
	"nftlend/core/types"
	nativecommon "nftlend/native/common"
)

var (
	errNilState            = errors.New("auction engine: state not configured")
	errNilLedger           = errors.New("auction engine: loan ledger not configured")
	errNilCustodian        = errors.New("auction engine: custodian not configured")
	errNilVault            = errors.New("auction engine: bid vault not configured")
	errAuctionNotFound     = errors.New("auction engine: auction not found")
	errAuctionNotActive    = errors.New("auction engine: auction not active")
	errAuctionExists       = errors.New("auction engine: loan already has an active auction")
	errAuctionNotEnded     = errors.New("auction engine: auction has not reached its end time")
	errAuctionNotSold      = errors.New("auction engine: auction did not end with a winning bid")
	errAuctionHadBids      = errors.New("auction engine: auction ended with a winning bid")
	errBiddingClosed       = errors.New("auction engine: bidding window closed")
	errBidTooLow           = errors.New("auction engine: bid does not exceed current highest bid")
	errBidBelowStarting    = errors.New("auction engine: bid below starting bid")
	errZeroBidder          = errors.New("auction engine: bidder not provided")
	errInvalidStartingBid  = errors.New("auction engine: starting bid must be positive")
	errInvalidDuration     = errors.New("auction engine: duration must be positive")
	errDurationTooShort    = errors.New("auction engine: duration below configured minimum")
	errNoClaimants         = errors.New("auction engine: claimant set must not be empty")
	errZeroWeights         = errors.New("auction engine: claimant weights must sum to a positive value")
	errInsufficientBalance = errors.New("auction engine: insufficient balance")
	errBuyoutExists        = errors.New("auction engine: loan already has an active buyout")
	errBuyoutNotFound      = errors.New("auction engine: buyout not found")
	errBuyoutInactive      = errors.New("auction engine: buyout not active")
	errBuyoutExpired       = errors.New("auction engine: buyout window closed")
	errNotBuyoutClaimant   = errors.New("auction engine: caller is not the designated claimant")
	errInvalidPrice        = errors.New("auction engine: price must be positive")
	errDeadlineNotFuture   = errors.New("auction engine: deadline must be in the future")
)

const moduleName = "auction"

// LoanLedger is the narrow loan-side surface the subsystem needs: recording
// that a defaulted loan's collateral was resolved through liquidation.
type LoanLedger interface {
	MarkLiquidated(id [32]byte) error
}

// Custodian releases escrowed collateral to the auction winner, buyout
// claimant, or senior claimant.
type Custodian interface {
	Release(asset types.Collateral, to [20]byte, loanID [32]byte) error
}

type engineState interface {
	AuctionPut(auction *Auction) error
	AuctionGet(id [32]byte) (*Auction, bool)
	AuctionIDByLoan(loanID [32]byte) ([32]byte, bool)
	NextAuctionNonce() (uint64, error)
	BuyoutPut(buyout *Buyout) error
	BuyoutGet(loanID [32]byte) (*Buyout, bool)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Engine runs English auctions and buyout windows over defaulted collateral.
// Bid funds are held in the vault account between acceptance and settlement;
// the displaced bidder is refunded within the same call that accepts the new
// bid.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	ledger      LoanLedger
	custodian   Custodian
	vault       [20]byte
	minDuration int64
	pauses      nativecommon.PauseView
	nowFn       func() int64
}

// NewEngine constructs the liquidation subsystem. The vault address holds
// escrowed bid funds until distribution.
func NewEngine(ledger LoanLedger, custodian Custodian, vault [20]byte) *Engine {
	return &Engine{
		emitter:   events.NoopEmitter{},
		ledger:    ledger,
		custodian: custodian,
		vault:     vault,
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMinDuration sets the minimum auction duration in seconds. Zero disables
// the floor.
func (e *Engine) SetMinDuration(seconds int64) { e.minDuration = seconds }

// SetPauses wires the operator pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(auctionEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.custodian == nil {
		return errNilCustodian
	}
	if e.vault == ([20]byte{}) {
		return errNilVault
	}
	return nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	return acc.Clone(), nil
}

// Get returns a copy of the stored auction.
func (e *Engine) Get(id [32]byte) (*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	auction, ok := e.state.AuctionGet(id)
	if !ok {
		return nil, errAuctionNotFound
	}
	return auction.Clone(), nil
}

func (e *Engine) hasLiveAuction(loanID [32]byte) bool {
	id, ok := e.state.AuctionIDByLoan(loanID)
	if !ok {
		return false
	}
	auction, ok := e.state.AuctionGet(id)
	if !ok {
		return false
	}
	// An ended-but-unsettled auction still blocks: it must be settled, not
	// superseded.
	return auction.Status != AuctionSettled
}

func (e *Engine) hasLiveBuyout(loanID [32]byte, now int64) bool {
	buyout, ok := e.state.BuyoutGet(loanID)
	if !ok {
		return false
	}
	return buyout.Active && now <= buyout.Deadline
}

// HasLiveLiquidation reports whether the loan's collateral is currently
// claimed by this subsystem: an unsettled auction or an open buyout window.
// The loan ledger consults it before releasing collateral on the direct claim
// path.
func (e *Engine) HasLiveLiquidation(loanID [32]byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.hasLiveAuction(loanID) || e.hasLiveBuyout(loanID, e.now())
}

// Start opens an auction over a defaulted loan's collateral. It is reachable
// only through the protocol's default path, never directly by end users.
func (e *Engine) Start(loanID [32]byte, asset types.Collateral, currency string, startingBid *big.Int, duration int64, claimants []Claimant) ([32]byte, error) {
	if err := e.ready(); err != nil {
		return [32]byte{}, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return [32]byte{}, err
	}
	if startingBid == nil || startingBid.Sign() <= 0 {
		return [32]byte{}, errInvalidStartingBid
	}
	if duration <= 0 {
		return [32]byte{}, errInvalidDuration
	}
	if e.minDuration > 0 && duration < e.minDuration {
		return [32]byte{}, errDurationTooShort
	}
	if len(claimants) == 0 {
		return [32]byte{}, errNoClaimants
	}
	var totalWeight uint64
	for _, c := range claimants {
		totalWeight += c.Weight
	}
	if totalWeight == 0 {
		return [32]byte{}, errZeroWeights
	}
	now := e.now()
	if e.hasLiveAuction(loanID) {
		return [32]byte{}, errAuctionExists
	}
	if e.hasLiveBuyout(loanID, now) {
		return [32]byte{}, errBuyoutExists
	}

	nonce, err := e.state.NextAuctionNonce()
	if err != nil {
		return [32]byte{}, err
	}
	auction := &Auction{
		ID:          deriveAuctionID(loanID, nonce, now),
		LoanID:      loanID,
		Collateral:  asset.Clone(),
		Currency:    currency,
		StartingBid: new(big.Int).Set(startingBid),
		HighestBid:  big.NewInt(0),
		StartTime:   now,
		EndTime:     now + duration,
		Status:      AuctionActive,
		Claimants:   append([]Claimant(nil), claimants...),
	}
	sanitized, err := SanitizeAuction(auction)
	if err != nil {
		return [32]byte{}, err
	}
	if err := e.state.AuctionPut(sanitized); err != nil {
		return [32]byte{}, err
	}
	e.emit(newAuctionStartedEvent(sanitized))
	return sanitized.ID, nil
}

// PlaceBid accepts a strictly higher bid. The new bidder's funds are pulled
// before the displaced bidder is refunded, and the refund completes within
// this call or the whole bid fails.
func (e *Engine) PlaceBid(auctionID [32]byte, bidder [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if bidder == ([20]byte{}) {
		return errZeroBidder
	}
	auction, ok := e.state.AuctionGet(auctionID)
	if !ok {
		return errAuctionNotFound
	}
	if auction.Status != AuctionActive {
		return errAuctionNotActive
	}
	now := e.now()
	if now >= auction.EndTime {
		return errBiddingClosed
	}
	if amount == nil {
		return errBidTooLow
	}
	hasPrior := auction.HighestBidder != ([20]byte{})
	if hasPrior {
		if amount.Cmp(auction.HighestBid) <= 0 {
			return errBidTooLow
		}
	} else if amount.Cmp(auction.StartingBid) < 0 {
		return errBidBelowStarting
	}

	bidderAcc, err := e.loadAccount(bidder)
	if err != nil {
		return err
	}
	if !bidderAcc.Debit(auction.Currency, amount) {
		return errInsufficientBalance
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return err
	}
	vaultAcc.Credit(auction.Currency, amount)

	var priorAcc *types.Account
	prior := auction.HighestBidder
	if hasPrior {
		if !vaultAcc.Debit(auction.Currency, auction.HighestBid) {
			return errInsufficientBalance
		}
		if prior == bidder {
			bidderAcc.Credit(auction.Currency, auction.HighestBid)
		} else {
			priorAcc, err = e.loadAccount(prior)
			if err != nil {
				return err
			}
			priorAcc.Credit(auction.Currency, auction.HighestBid)
		}
	}

	auction.HighestBid = new(big.Int).Set(amount)
	auction.HighestBidder = bidder

	if err := e.state.PutAccount(bidder, bidderAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.vault, vaultAcc); err != nil {
		return err
	}
	if priorAcc != nil {
		if err := e.state.PutAccount(prior, priorAcc); err != nil {
			return err
		}
	}
	if err := e.state.AuctionPut(auction); err != nil {
		return err
	}
	e.emit(newBidEvent(auction, bidder, amount))
	return nil
}

// End finalizes an auction's outcome once its end time has passed. Anyone may
// call it. No funds or assets move here; settlement is a separate step.
func (e *Engine) End(auctionID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	auction, ok := e.state.AuctionGet(auctionID)
	if !ok {
		return errAuctionNotFound
	}
	if auction.Status != AuctionActive {
		return errAuctionNotActive
	}
	if e.now() < auction.EndTime {
		return errAuctionNotEnded
	}
	if auction.HighestBidder != ([20]byte{}) {
		auction.Status = AuctionEndedSold
	} else {
		auction.Status = AuctionEndedNoBids
	}
	if err := e.state.AuctionPut(auction); err != nil {
		return err
	}
	e.emit(newAuctionEndedEvent(auction))
	return nil
}

// DistributeProceeds settles a sold auction: each claimant receives the floor
// of its pro-rata share of the winning bid, the collateral transfers to the
// winner, and the loan is marked LIQUIDATED. Integer-division dust stays in
// the vault rather than blocking settlement.
func (e *Engine) DistributeProceeds(auctionID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	auction, ok := e.state.AuctionGet(auctionID)
	if !ok {
		return errAuctionNotFound
	}
	if auction.Status != AuctionEndedSold {
		return errAuctionNotSold
	}

	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return err
	}
	totalWeight := new(big.Int).SetUint64(auction.TotalWeight())
	paid := make(map[[20]byte]*types.Account)
	for _, claimant := range auction.Claimants {
		share := new(big.Int).Mul(auction.HighestBid, new(big.Int).SetUint64(claimant.Weight))
		share.Quo(share, totalWeight)
		if share.Sign() == 0 {
			continue
		}
		if !vaultAcc.Debit(auction.Currency, share) {
			return errInsufficientBalance
		}
		acc, ok := paid[claimant.Beneficiary]
		if !ok {
			acc, err = e.loadAccount(claimant.Beneficiary)
			if err != nil {
				return err
			}
			paid[claimant.Beneficiary] = acc
		}
		acc.Credit(auction.Currency, share)
	}

	if err := e.custodian.Release(auction.Collateral, auction.HighestBidder, auction.LoanID); err != nil {
		return err
	}

	auction.Status = AuctionSettled
	if err := e.state.PutAccount(e.vault, vaultAcc); err != nil {
		return err
	}
	for addr, acc := range paid {
		if err := e.state.PutAccount(addr, acc); err != nil {
			return err
		}
	}
	if err := e.state.AuctionPut(auction); err != nil {
		return err
	}
	if err := e.ledger.MarkLiquidated(auction.LoanID); err != nil {
		return err
	}
	e.emit(newAuctionSettledEvent(auction, "sold"))
	return nil
}

// ClaimCollateralPostAuction returns the asset to the senior claimant after
// an auction that drew no bids, and marks the auction SETTLED. The loan
// remains DEFAULTED; no liquidation proceeds exist.
func (e *Engine) ClaimCollateralPostAuction(auctionID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	auction, ok := e.state.AuctionGet(auctionID)
	if !ok {
		return errAuctionNotFound
	}
	if auction.Status != AuctionEndedNoBids {
		return errAuctionHadBids
	}
	senior := auction.Claimants[0].Beneficiary
	if err := e.custodian.Release(auction.Collateral, senior, auction.LoanID); err != nil {
		return err
	}
	auction.Status = AuctionSettled
	if err := e.state.AuctionPut(auction); err != nil {
		return err
	}
	e.emit(newAuctionSettledEvent(auction, "no_bids"))
	return nil
}

// InitiateBuyout opens a fixed-price, time-boxed window for the designated
// senior claimant to acquire the defaulted position. A buyout never coexists
// with a live auction on the same loan.
func (e *Engine) InitiateBuyout(loanID [32]byte, claimant [20]byte, asset types.Collateral, currency string, price *big.Int, deadline int64, claimants []Claimant) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if price == nil || price.Sign() <= 0 {
		return errInvalidPrice
	}
	now := e.now()
	if deadline <= now {
		return errDeadlineNotFuture
	}
	if len(claimants) == 0 {
		return errNoClaimants
	}
	var totalWeight uint64
	for _, c := range claimants {
		totalWeight += c.Weight
	}
	if totalWeight == 0 {
		return errZeroWeights
	}
	if e.hasLiveAuction(loanID) {
		return errAuctionExists
	}
	if e.hasLiveBuyout(loanID, now) {
		return errBuyoutExists
	}
	buyout := &Buyout{
		LoanID:     loanID,
		Claimant:   claimant,
		Collateral: asset.Clone(),
		Currency:   currency,
		Price:      new(big.Int).Set(price),
		Deadline:   deadline,
		Active:     true,
		Claimants:  append([]Claimant(nil), claimants...),
		CreatedAt:  now,
	}
	if err := e.state.BuyoutPut(buyout); err != nil {
		return err
	}
	e.emit(newBuyoutEvent(EventTypeBuyoutInitiated, buyout))
	return nil
}

// ExecuteBuyout completes an open buyout: the designated claimant pays the
// fixed price, the price is split pro-rata over the claimant set, the asset
// transfers to the buyer, and the loan is marked LIQUIDATED.
func (e *Engine) ExecuteBuyout(loanID [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	buyout, ok := e.state.BuyoutGet(loanID)
	if !ok {
		return errBuyoutNotFound
	}
	if !buyout.Active || buyout.Completed {
		return errBuyoutInactive
	}
	if caller != buyout.Claimant {
		return errNotBuyoutClaimant
	}
	if e.now() > buyout.Deadline {
		return errBuyoutExpired
	}

	buyerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if !buyerAcc.Debit(buyout.Currency, buyout.Price) {
		return errInsufficientBalance
	}
	totalWeight := new(big.Int).SetUint64(buyout.TotalWeight())
	staged := map[[20]byte]*types.Account{caller: buyerAcc}
	for _, claimant := range buyout.Claimants {
		share := new(big.Int).Mul(buyout.Price, new(big.Int).SetUint64(claimant.Weight))
		share.Quo(share, totalWeight)
		if share.Sign() == 0 {
			continue
		}
		acc, ok := staged[claimant.Beneficiary]
		if !ok {
			acc, err = e.loadAccount(claimant.Beneficiary)
			if err != nil {
				return err
			}
			staged[claimant.Beneficiary] = acc
		}
		acc.Credit(buyout.Currency, share)
	}

	if err := e.custodian.Release(buyout.Collateral, caller, loanID); err != nil {
		return err
	}

	buyout.Active = false
	buyout.Completed = true
	for addr, acc := range staged {
		if err := e.state.PutAccount(addr, acc); err != nil {
			return err
		}
	}
	if err := e.state.BuyoutPut(buyout); err != nil {
		return err
	}
	if err := e.ledger.MarkLiquidated(loanID); err != nil {
		return err
	}
	e.emit(newBuyoutEvent(EventTypeBuyoutExecuted, buyout))
	return nil
}

func deriveAuctionID(loanID [32]byte, nonce uint64, createdAt int64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash([]byte("auction"), loanID[:], nonceBytes[:], timeBytes[:])
}
