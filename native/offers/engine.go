package offers

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
	errNilState            = errors.New("offers engine: state not configured")
	errNilOpener           = errors.New("offers engine: loan opener not configured")
	errOfferNotFound       = errors.New("offers engine: offer not found")
	errInvalidPrincipal    = errors.New("offers engine: principal must be positive")
	errInvalidDuration     = errors.New("offers engine: duration must be positive")
	errExpiryNotFuture     = errors.New("offers engine: expiration must be in the future")
	errFeeOutOfRange       = errors.New("offers engine: fee bps out of range")
	errCurrencyUnsupported = errors.New("offers engine: currency not supported")
	errCollectionDenied    = errors.New("offers engine: collection not whitelisted")
	errCapacityInvalid     = errors.New("offers engine: max principal per loan exceeds capacity")
	errOfferInactive       = errors.New("offers engine: offer not active")
	errOfferExpired        = errors.New("offers engine: offer expired")
	errUnauthorized        = errors.New("offers engine: caller is not the offer lender")
	errSelfDealing         = errors.New("offers engine: lender cannot accept own offer")
	errCollateralMismatch  = errors.New("offers engine: collateral does not match offer")
	errCapacityExceeded    = errors.New("offers engine: draw exceeds remaining capacity")
	errDrawTooLarge        = errors.New("offers engine: draw exceeds max principal per loan")
)

const moduleName = "offers"

// CurrencyList is the external currency allow-list consulted before an offer
// is created or accepted.
type CurrencyList interface {
	IsCurrencySupported(symbol string) bool
}

// CollectionList is the external collection allow-list consulted for the
// collateral contract of every offer.
type CollectionList interface {
	IsCollectionWhitelisted(contract [20]byte) bool
}

// LoanOpener materializes a loan from an accepted offer. The opener owns the
// custody move and fund settlement and must either fully apply or fully
// revert; the registry only rolls its own offer mutation back on failure.
type LoanOpener interface {
	Open(offer *Offer, borrower [20]byte, asset types.Collateral, principal *big.Int) ([32]byte, error)
}

type engineState interface {
	OfferPut(offer *Offer) error
	OfferGet(id [32]byte) (*Offer, bool)
	NextOfferNonce() (uint64, error)
}

// Params bundles the caller-supplied inputs for a new offer.
type Params struct {
	Lender              [20]byte
	Kind                OfferKind
	Collateral          types.Collateral
	Currency            string
	Principal           *big.Int
	MaxPrincipalPerLoan *big.Int
	TotalCapacity       *big.Int
	APRBps              uint64
	Duration            int64
	Expiry              int64
	FeeBps              uint64
}

// Engine creates, tracks and cancels loan offers and is the entry point that
// turns an accepted offer into a loan.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	opener      LoanOpener
	currencies  CurrencyList
	collections CollectionList
	maxFeeBps   uint64
	pauses      nativecommon.PauseView
	nowFn       func() int64
}

// NewEngine constructs an offer registry wired to the given allow-lists.
func NewEngine(currencies CurrencyList, collections CollectionList) *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		currencies:  currencies,
		collections: collections,
		maxFeeBps:   10_000,
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLoanOpener wires the component that materializes loans on acceptance.
func (e *Engine) SetLoanOpener(opener LoanOpener) { e.opener = opener }

// SetMaxFeeBps lowers the origination fee ceiling below the absolute 10000
// bps bound. Zero values are ignored.
func (e *Engine) SetMaxFeeBps(bps uint64) {
	if bps == 0 || bps > 10_000 {
		return
	}
	e.maxFeeBps = bps
}

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
	e.emitter.Emit(offerEvent{evt: event})
}

// Get returns a copy of the stored offer.
func (e *Engine) Get(id [32]byte) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return nil, errOfferNotFound
	}
	return offer.Clone(), nil
}

// MakeOffer validates and stores a new active offer. No funds move at offer
// time; the lender's balance is checked at acceptance.
func (e *Engine) MakeOffer(params Params) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.currencies == nil || !e.currencies.IsCurrencySupported(params.Currency) {
		return nil, errCurrencyUnsupported
	}
	if e.collections == nil || !e.collections.IsCollectionWhitelisted(params.Collateral.Contract) {
		return nil, errCollectionDenied
	}
	if params.Duration <= 0 {
		return nil, errInvalidDuration
	}
	now := e.now()
	if params.Expiry <= now {
		return nil, errExpiryNotFuture
	}
	if params.FeeBps > e.maxFeeBps {
		return nil, errFeeOutOfRange
	}
	switch params.Kind {
	case OfferStandard:
		if params.Principal == nil || params.Principal.Sign() <= 0 {
			return nil, errInvalidPrincipal
		}
		if !params.Collateral.Concrete() {
			return nil, errCollateralMismatch
		}
	case OfferCollection:
		if params.MaxPrincipalPerLoan == nil || params.MaxPrincipalPerLoan.Sign() <= 0 {
			return nil, errInvalidPrincipal
		}
		if params.TotalCapacity == nil || params.TotalCapacity.Sign() <= 0 {
			return nil, errInvalidPrincipal
		}
		if params.MaxPrincipalPerLoan.Cmp(params.TotalCapacity) > 0 {
			return nil, errCapacityInvalid
		}
	default:
		return nil, errOfferNotFound
	}

	nonce, err := e.state.NextOfferNonce()
	if err != nil {
		return nil, err
	}
	offer := &Offer{
		ID:         deriveOfferID(params, nonce, now),
		Lender:     params.Lender,
		Kind:       params.Kind,
		Collateral: params.Collateral.Clone(),
		Currency:   params.Currency,
		APRBps:     params.APRBps,
		Duration:   params.Duration,
		Expiry:     params.Expiry,
		FeeBps:     params.FeeBps,
		Active:     true,
		CreatedAt:  now,
	}
	if params.Kind == OfferStandard {
		offer.Principal = new(big.Int).Set(params.Principal)
	} else {
		offer.Principal = big.NewInt(0)
		offer.MaxPrincipalPerLoan = new(big.Int).Set(params.MaxPrincipalPerLoan)
		offer.TotalCapacity = new(big.Int).Set(params.TotalCapacity)
		offer.AmountDrawn = big.NewInt(0)
	}
	sanitized, err := SanitizeOffer(offer)
	if err != nil {
		return nil, err
	}
	if err := e.state.OfferPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(newOfferCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// CancelOffer deactivates an offer. Cancelling an already inactive offer is a
// reported state error, never a silent no-op.
func (e *Engine) CancelOffer(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return errOfferNotFound
	}
	if offer.Lender != caller {
		return errUnauthorized
	}
	if !offer.Active {
		return errOfferInactive
	}
	offer.Active = false
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	e.emit(newOfferCancelledEvent(offer))
	return nil
}

// AcceptOffer turns an offer into a loan. For COLLECTION offers the caller
// requests a principal draw; for STANDARD offers the offer principal is used
// and the principal argument may be nil. The custody move and loan creation
// either both succeed or the offer mutation is rolled back.
func (e *Engine) AcceptOffer(id [32]byte, caller [20]byte, asset types.Collateral, principal *big.Int) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if e.opener == nil {
		return [32]byte{}, errNilOpener
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return [32]byte{}, err
	}
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return [32]byte{}, errOfferNotFound
	}
	if !offer.Active {
		return [32]byte{}, errOfferInactive
	}
	if e.now() >= offer.Expiry {
		return [32]byte{}, errOfferExpired
	}
	if caller == offer.Lender {
		return [32]byte{}, errSelfDealing
	}

	var draw *big.Int
	switch offer.Kind {
	case OfferStandard:
		if !asset.Equal(offer.Collateral) {
			return [32]byte{}, errCollateralMismatch
		}
		draw = new(big.Int).Set(offer.Principal)
	case OfferCollection:
		if asset.Contract != offer.Collateral.Contract || !asset.Concrete() {
			return [32]byte{}, errCollateralMismatch
		}
		if e.collections == nil || !e.collections.IsCollectionWhitelisted(asset.Contract) {
			return [32]byte{}, errCollectionDenied
		}
		if principal == nil || principal.Sign() <= 0 {
			return [32]byte{}, errInvalidPrincipal
		}
		if principal.Cmp(offer.MaxPrincipalPerLoan) > 0 {
			return [32]byte{}, errDrawTooLarge
		}
		if principal.Cmp(offer.RemainingCapacity()) > 0 {
			return [32]byte{}, errCapacityExceeded
		}
		draw = new(big.Int).Set(principal)
	default:
		return [32]byte{}, errOfferNotFound
	}

	prior := offer.Clone()
	if offer.Kind == OfferStandard {
		offer.Active = false
	} else {
		offer.AmountDrawn = new(big.Int).Add(offer.AmountDrawn, draw)
		if offer.AmountDrawn.Cmp(offer.TotalCapacity) >= 0 {
			offer.Active = false
		}
	}
	if err := e.state.OfferPut(offer); err != nil {
		return [32]byte{}, err
	}

	loanID, err := e.opener.Open(offer.Clone(), caller, asset, draw)
	if err != nil {
		// Loan creation failed after the offer mutation: restore the prior
		// offer so no capacity is consumed by a failed acceptance.
		_ = e.state.OfferPut(prior)
		return [32]byte{}, err
	}
	e.emit(newOfferAcceptedEvent(offer, caller, loanID, draw))
	return loanID, nil
}

func deriveOfferID(params Params, nonce uint64, createdAt int64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash(
		params.Lender[:],
		[]byte(params.Collateral.Key()),
		[]byte(params.Currency),
		nonceBytes[:],
		timeBytes[:],
	)
}
