package lending

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"nftlend/core/events"
	"nftlend/core/types"
	nativecommon "nftlend/native/common"
)

var (
	errNilState            = errors.New("lending engine: state not configured")
	errNilCustodian        = errors.New("lending engine: custodian not configured")
	errLoanNotFound        = errors.New("lending engine: loan not found")
	errLoanNotActive       = errors.New("lending engine: loan not active")
	errLoanNotDefaulted    = errors.New("lending engine: loan not defaulted")
	errInvalidPrincipal    = errors.New("lending engine: principal must be positive")
	errInvalidDuration     = errors.New("lending engine: duration must be positive")
	errFeeOutOfRange       = errors.New("lending engine: fee bps out of range")
	errInsufficientBalance = errors.New("lending engine: insufficient balance")
	errNotBorrower         = errors.New("lending engine: caller is not the borrower")
	errNotLender           = errors.New("lending engine: caller is not the lender")
	errNotSeller           = errors.New("lending engine: caller is not the listing seller")
	errSelfDealing         = errors.New("lending engine: borrower cannot act as lender")
	errPastDue             = errors.New("lending engine: loan past due, repayment window closed")
	errNotPastDue          = errors.New("lending engine: loan not past due")
	errProposalNotFound    = errors.New("lending engine: renegotiation proposal not found")
	errProposalConsumed    = errors.New("lending engine: renegotiation proposal already consumed")
	errProposerNotLender   = errors.New("lending engine: proposer is no longer the loan lender")
	errListingNotFound     = errors.New("lending engine: sale listing not found")
	errListingInactive     = errors.New("lending engine: sale listing not active")
	errListingExists       = errors.New("lending engine: loan already has an active listing")
	errPriceBelowDebt      = errors.New("lending engine: sale price below worst-case debt")
	errPaymentTooLow       = errors.New("lending engine: payment below listing price or debt")
	errPrincipalTooLow     = errors.New("lending engine: refinance principal below outstanding principal")
	errZeroRecipient       = errors.New("lending engine: recipient not provided")
	errLoanInLiquidation   = errors.New("lending engine: loan is in liquidation")
)

const moduleName = "lending"

// Custodian is the escrow ledger boundary. Release is invoked at most once per
// loan across its entire lifetime regardless of the resolution path taken.
type Custodian interface {
	TakeCustody(asset types.Collateral, from [20]byte, loanID [32]byte) error
	Release(asset types.Collateral, to [20]byte, loanID [32]byte) error
	Reassign(asset types.Collateral, oldLoanID, newLoanID [32]byte) error
}

// RoyaltyCollector bridges to the external royalty source. Implementations
// return the amount actually withdrawn; an unresolved external asset id yields
// zero without error.
type RoyaltyCollector interface {
	AttemptPayment(externalAssetID, currency string, amountDue *big.Int, recipient [20]byte) (*big.Int, error)
}

// ExternalAssetResolver maps collateral to the external royalty registry id,
// when the asset was registered there.
type ExternalAssetResolver interface {
	ResolveExternalID(contract [20]byte, tokenID *big.Int) (string, bool)
}

// LiquidationView reports whether the liquidation subsystem currently holds a
// claim on the loan's collateral: an unsettled auction or an open buyout
// window. While it does, the lender's direct claim must stand down.
type LiquidationView interface {
	HasLiveLiquidation(loanID [32]byte) bool
}

type engineState interface {
	LoanPut(loan *Loan) error
	LoanGet(id [32]byte) (*Loan, bool)
	NextLoanNonce() (uint64, error)
	ProposalPut(proposal *RenegotiationProposal) error
	ProposalGet(id string) (*RenegotiationProposal, bool)
	ListingPut(listing *SaleListing) error
	ListingGet(id [32]byte) (*SaleListing, bool)
	ListingIDByLoan(loanID [32]byte) ([32]byte, bool)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// OpenParams bundles the inputs needed to materialize a loan from an accepted
// offer.
type OpenParams struct {
	OfferID   [32]byte
	Borrower  [20]byte
	Lender    [20]byte
	Asset     types.Collateral
	Currency  string
	Principal *big.Int
	APRBps    uint64
	Duration  int64
	FeeBps    uint64
}

// Engine is the loan ledger and resolution engine: it materializes loans,
// computes interest, and exposes the only entry points that can change a
// loan's status.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	custodian    Custodian
	royalty      RoyaltyCollector
	resolver     ExternalAssetResolver
	liquidations LiquidationView
	feeTreasury  [20]byte
	maxFeeBps    uint64
	pauses       nativecommon.PauseView
	nowFn        func() int64
}

// NewEngine constructs a loan ledger wired to the escrow custodian and the
// fee treasury receiving origination fees.
func NewEngine(custodian Custodian, feeTreasury [20]byte) *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		custodian:   custodian,
		feeTreasury: feeTreasury,
		maxFeeBps:   basisPoints.Uint64(),
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRoyaltyCollector wires the royalty-backed repayment adapter.
func (e *Engine) SetRoyaltyCollector(collector RoyaltyCollector) { e.royalty = collector }

// SetExternalAssetResolver wires the optional external asset registry used to
// link qualifying collateral to its royalty id at loan creation.
func (e *Engine) SetExternalAssetResolver(resolver ExternalAssetResolver) { e.resolver = resolver }

// SetLiquidationView wires the liquidation subsystem so the direct claim path
// cannot pull collateral out from under a live auction or buyout.
func (e *Engine) SetLiquidationView(view LiquidationView) { e.liquidations = view }

// SetMaxFeeBps lowers the origination fee ceiling below the absolute 10000
// bps bound. Zero values are ignored.
func (e *Engine) SetMaxFeeBps(bps uint64) {
	if bps == 0 || bps > basisPoints.Uint64() {
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
	e.emitter.Emit(loanEvent{evt: event})
}

func (e *Engine) loadLoan(id [32]byte) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, ok := e.state.LoanGet(id)
	if !ok {
		return nil, errLoanNotFound
	}
	return loan, nil
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

// GetLoan returns a copy of the stored loan.
func (e *Engine) GetLoan(id [32]byte) (*Loan, error) {
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// CalculateInterest is the single source of truth for interest owed on a
// loan. While the loan is ACTIVE the accrual window is min(now, dueTime);
// once the loan leaves ACTIVE the cached amount is returned unchanged.
func (e *Engine) CalculateInterest(id [32]byte) (*big.Int, error) {
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanActive {
		if loan.AccruedInterest == nil {
			return big.NewInt(0), nil
		}
		return new(big.Int).Set(loan.AccruedInterest), nil
	}
	return interestBetween(loan, e.now()), nil
}

// IsRepayable reports whether the loan is ACTIVE and within its repayment
// window (the due time itself is inclusive).
func (e *Engine) IsRepayable(id [32]byte) (bool, error) {
	loan, err := e.loadLoan(id)
	if err != nil {
		return false, err
	}
	return loan.Status == LoanActive && e.now() <= loan.DueTime, nil
}

// IsInDefault reports whether the loan is DEFAULTED, or ACTIVE past its due
// time.
func (e *Engine) IsInDefault(id [32]byte) (bool, error) {
	loan, err := e.loadLoan(id)
	if err != nil {
		return false, err
	}
	if loan.Status == LoanDefaulted {
		return true, nil
	}
	return loan.Status == LoanActive && e.now() > loan.DueTime, nil
}

// Open materializes a loan: collateral moves into escrow, the lender funds
// the principal, the borrower receives principal minus the origination fee,
// and the loan starts ACTIVE. Custody and loan creation either both apply or
// both revert.
func (e *Engine) Open(params OpenParams) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if e.custodian == nil {
		return [32]byte{}, errNilCustodian
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return [32]byte{}, err
	}
	if params.Principal == nil || params.Principal.Sign() <= 0 {
		return [32]byte{}, errInvalidPrincipal
	}
	if params.Duration <= 0 {
		return [32]byte{}, errInvalidDuration
	}
	if params.FeeBps > e.maxFeeBps {
		return [32]byte{}, errFeeOutOfRange
	}

	lenderAcc, err := e.loadAccount(params.Lender)
	if err != nil {
		return [32]byte{}, err
	}
	if !lenderAcc.Debit(params.Currency, params.Principal) {
		return [32]byte{}, errInsufficientBalance
	}

	fee := new(big.Int).Mul(params.Principal, new(big.Int).SetUint64(params.FeeBps))
	fee.Quo(fee, basisPoints)
	disbursed := new(big.Int).Sub(params.Principal, fee)

	borrowerAcc, err := e.loadAccount(params.Borrower)
	if err != nil {
		return [32]byte{}, err
	}
	treasuryAcc, err := e.loadAccount(e.feeTreasury)
	if err != nil {
		return [32]byte{}, err
	}
	borrowerAcc.Credit(params.Currency, disbursed)
	treasuryAcc.Credit(params.Currency, fee)

	nonce, err := e.state.NextLoanNonce()
	if err != nil {
		return [32]byte{}, err
	}
	now := e.now()
	id := deriveLoanID(params.OfferID, params.Borrower, nonce, now)

	externalID := ""
	if e.resolver != nil {
		if resolved, ok := e.resolver.ResolveExternalID(params.Asset.Contract, params.Asset.TokenID); ok {
			externalID = resolved
		}
	}

	if err := e.custodian.TakeCustody(params.Asset, params.Borrower, id); err != nil {
		return [32]byte{}, err
	}

	loan := &Loan{
		ID:              id,
		OfferID:         params.OfferID,
		Borrower:        params.Borrower,
		Lender:          params.Lender,
		Collateral:      params.Asset.Clone(),
		Currency:        params.Currency,
		Principal:       new(big.Int).Set(params.Principal),
		APRBps:          params.APRBps,
		OriginationFee:  fee,
		StartTime:       now,
		DueTime:         now + params.Duration,
		AccruedInterest: big.NewInt(0),
		Status:          LoanActive,
		ExternalAssetID: externalID,
	}
	sanitized, err := SanitizeLoan(loan)
	if err != nil {
		_ = e.custodian.Release(params.Asset, params.Borrower, id)
		return [32]byte{}, err
	}
	if err := e.persistLoanOpen(sanitized, params, lenderAcc, borrowerAcc, treasuryAcc); err != nil {
		_ = e.custodian.Release(params.Asset, params.Borrower, id)
		return [32]byte{}, err
	}
	e.emit(newLoanOpenedEvent(sanitized))
	return id, nil
}

func (e *Engine) persistLoanOpen(loan *Loan, params OpenParams, lenderAcc, borrowerAcc, treasuryAcc *types.Account) error {
	if err := e.state.PutAccount(params.Lender, lenderAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(params.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.feeTreasury, treasuryAcc); err != nil {
		return err
	}
	return e.state.LoanPut(loan)
}

// Repay settles an ACTIVE loan within its window: principal plus accrued
// interest move from the borrower to the lender and the collateral is
// released back to the borrower. Repayment after the due time is a
// default-path concern and is rejected here.
func (e *Engine) Repay(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.Status != LoanActive {
		return errLoanNotActive
	}
	if caller != loan.Borrower {
		return errNotBorrower
	}
	now := e.now()
	if now > loan.DueTime {
		return errPastDue
	}
	interest := interestBetween(loan, now)
	total := new(big.Int).Add(loan.Principal, interest)

	borrowerAcc, err := e.loadAccount(loan.Borrower)
	if err != nil {
		return err
	}
	if !borrowerAcc.Debit(loan.Currency, total) {
		return errInsufficientBalance
	}
	lenderAcc, err := e.loadAccount(loan.Lender)
	if err != nil {
		return err
	}
	lenderAcc.Credit(loan.Currency, total)

	if err := e.custodian.Release(loan.Collateral, loan.Borrower, id); err != nil {
		return err
	}

	loan.Status = LoanRepaid
	loan.AccruedInterest = interest
	if err := e.persistRepayment(loan, borrowerAcc, lenderAcc); err != nil {
		_ = e.custodian.TakeCustody(loan.Collateral, loan.Borrower, id)
		return err
	}
	e.emit(newLoanRepaidEvent(loan, total, nil))
	return nil
}

// persistRepayment writes the settled accounts and the resolved loan. Callers
// re-escrow the released collateral when it fails, so a half-applied
// repayment never leaves the asset free while the stored loan is still
// ACTIVE.
func (e *Engine) persistRepayment(loan *Loan, borrowerAcc, lenderAcc *types.Account) error {
	if err := e.state.PutAccount(loan.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(loan.Lender, lenderAcc); err != nil {
		return err
	}
	return e.state.LoanPut(loan)
}

// ClaimAndRepay settles an ACTIVE loan applying royalty income first and
// pulling only the shortfall from the borrower. When royalties cover the full
// debt no borrower transfer occurs at all.
func (e *Engine) ClaimAndRepay(id [32]byte, caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanActive {
		return nil, errLoanNotActive
	}
	if caller != loan.Borrower {
		return nil, errNotBorrower
	}
	now := e.now()
	if now > loan.DueTime {
		return nil, errPastDue
	}
	interest := interestBetween(loan, now)
	debt := new(big.Int).Add(loan.Principal, interest)

	applied := big.NewInt(0)
	if e.royalty != nil && loan.ExternalAssetID != "" {
		applied, err = e.royalty.AttemptPayment(loan.ExternalAssetID, loan.Currency, debt, loan.Lender)
		if err != nil {
			return nil, err
		}
		if applied == nil {
			applied = big.NewInt(0)
		}
		if applied.Cmp(debt) > 0 {
			applied = new(big.Int).Set(debt)
		}
	}
	shortfall := new(big.Int).Sub(debt, applied)

	borrowerAcc, err := e.loadAccount(loan.Borrower)
	if err != nil {
		return nil, err
	}
	if shortfall.Sign() > 0 && !borrowerAcc.Debit(loan.Currency, shortfall) {
		return nil, errInsufficientBalance
	}
	lenderAcc, err := e.loadAccount(loan.Lender)
	if err != nil {
		return nil, err
	}
	// Withdrawn royalties enter the ledger as an external inflow credited to
	// the lender alongside the borrower's shortfall.
	lenderAcc.Credit(loan.Currency, applied)
	lenderAcc.Credit(loan.Currency, shortfall)

	if err := e.custodian.Release(loan.Collateral, loan.Borrower, id); err != nil {
		return nil, err
	}

	loan.Status = LoanRepaid
	loan.AccruedInterest = interest
	if err := e.persistRepayment(loan, borrowerAcc, lenderAcc); err != nil {
		_ = e.custodian.TakeCustody(loan.Collateral, loan.Borrower, id)
		return nil, err
	}
	e.emit(newLoanRepaidEvent(loan, debt, applied))
	return new(big.Int).Set(applied), nil
}

// ClaimCollateral is the lender's unilateral non-auction remedy: once the due
// time has passed the loan transitions to DEFAULTED and the collateral is
// released directly to the lender.
func (e *Engine) ClaimCollateral(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.Status != LoanActive && loan.Status != LoanDefaulted {
		return errLoanNotActive
	}
	if caller != loan.Lender {
		return errNotLender
	}
	if e.now() <= loan.DueTime {
		return errNotPastDue
	}
	if e.liquidations != nil && e.liquidations.HasLiveLiquidation(id) {
		return errLoanInLiquidation
	}
	interest := maxInterest(loan)

	if err := e.custodian.Release(loan.Collateral, loan.Lender, id); err != nil {
		return err
	}
	loan.Status = LoanDefaulted
	loan.AccruedInterest = interest
	if err := e.state.LoanPut(loan); err != nil {
		_ = e.custodian.TakeCustody(loan.Collateral, loan.Lender, id)
		return err
	}
	e.emit(newLoanDefaultedEvent(loan, true))
	return nil
}

// MarkDefaulted flags a past-due ACTIVE loan as DEFAULTED without moving the
// collateral, so the liquidation subsystem can run an auction or buyout over
// it. Marking an already defaulted loan is a no-op.
func (e *Engine) MarkDefaulted(id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.Status == LoanDefaulted {
		return nil
	}
	if loan.Status != LoanActive {
		return errLoanNotActive
	}
	if e.now() <= loan.DueTime {
		return errNotPastDue
	}
	loan.Status = LoanDefaulted
	loan.AccruedInterest = maxInterest(loan)
	if err := e.state.LoanPut(loan); err != nil {
		return err
	}
	e.emit(newLoanDefaultedEvent(loan, false))
	return nil
}

// MarkLiquidated records that a defaulted loan's collateral was resolved
// through the liquidation subsystem.
func (e *Engine) MarkLiquidated(id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.Status != LoanDefaulted {
		return errLoanNotDefaulted
	}
	loan.Status = LoanLiquidated
	if err := e.state.LoanPut(loan); err != nil {
		return err
	}
	e.emit(newLoanLiquidatedEvent(loan))
	return nil
}

// ProposeRenegotiation creates a single-use proposal to rewrite the loan's
// terms. Only the current lender may propose.
func (e *Engine) ProposeRenegotiation(loanID [32]byte, caller [20]byte, principal *big.Int, aprBps uint64, duration int64) (*RenegotiationProposal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanActive {
		return nil, errLoanNotActive
	}
	if caller != loan.Lender {
		return nil, errNotLender
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, errInvalidPrincipal
	}
	if duration <= 0 {
		return nil, errInvalidDuration
	}
	proposal := &RenegotiationProposal{
		ID:        uuid.NewString(),
		LoanID:    loanID,
		Proposer:  caller,
		Principal: new(big.Int).Set(principal),
		APRBps:    aprBps,
		Duration:  duration,
		CreatedAt: e.now(),
	}
	if err := e.state.ProposalPut(proposal); err != nil {
		return nil, err
	}
	e.emit(newProposalEvent(EventTypeRenegotiationProposed, proposal))
	return proposal.Clone(), nil
}

// AcceptRenegotiation consumes a proposal: the principal delta settles
// between borrower and lender, the terms are rewritten with the due time
// recomputed from acceptance, and the cached interest resets. A consumed or
// unknown proposal fails explicitly.
func (e *Engine) AcceptRenegotiation(proposalID string, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	proposal, ok := e.state.ProposalGet(proposalID)
	if !ok {
		return errProposalNotFound
	}
	if proposal.Consumed {
		return errProposalConsumed
	}
	loan, err := e.loadLoan(proposal.LoanID)
	if err != nil {
		return err
	}
	if loan.Status != LoanActive {
		return errLoanNotActive
	}
	if caller != loan.Borrower {
		return errNotBorrower
	}
	if proposal.Proposer != loan.Lender {
		return errProposerNotLender
	}

	delta := new(big.Int).Sub(proposal.Principal, loan.Principal)
	borrowerAcc, err := e.loadAccount(loan.Borrower)
	if err != nil {
		return err
	}
	lenderAcc, err := e.loadAccount(loan.Lender)
	if err != nil {
		return err
	}
	switch delta.Sign() {
	case 1:
		if !lenderAcc.Debit(loan.Currency, delta) {
			return errInsufficientBalance
		}
		borrowerAcc.Credit(loan.Currency, delta)
	case -1:
		owed := new(big.Int).Neg(delta)
		if !borrowerAcc.Debit(loan.Currency, owed) {
			return errInsufficientBalance
		}
		lenderAcc.Credit(loan.Currency, owed)
	}

	now := e.now()
	loan.Principal = new(big.Int).Set(proposal.Principal)
	loan.APRBps = proposal.APRBps
	loan.StartTime = now
	loan.DueTime = now + proposal.Duration
	loan.AccruedInterest = big.NewInt(0)
	proposal.Consumed = true

	if err := e.state.PutAccount(loan.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(loan.Lender, lenderAcc); err != nil {
		return err
	}
	if err := e.state.ProposalPut(proposal); err != nil {
		return err
	}
	if err := e.state.LoanPut(loan); err != nil {
		return err
	}
	e.emit(newProposalEvent(EventTypeRenegotiationAccepted, proposal))
	return nil
}

// Refinance replaces the loan's lender and terms: the new lender pays off the
// old lender's principal plus interest as of now, any principal increase goes
// to the borrower, and a brand-new ACTIVE loan starts under the new lender.
// The collateral stays in escrow; only the owning loan id changes.
func (e *Engine) Refinance(oldLoanID [32]byte, newLender [20]byte, principal *big.Int, aprBps uint64, duration int64, feeBps uint64) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return [32]byte{}, err
	}
	loan, err := e.loadLoan(oldLoanID)
	if err != nil {
		return [32]byte{}, err
	}
	if loan.Status != LoanActive {
		return [32]byte{}, errLoanNotActive
	}
	if newLender == loan.Borrower {
		return [32]byte{}, errSelfDealing
	}
	if principal == nil || principal.Sign() <= 0 {
		return [32]byte{}, errInvalidPrincipal
	}
	if principal.Cmp(loan.Principal) < 0 {
		return [32]byte{}, errPrincipalTooLow
	}
	if duration <= 0 {
		return [32]byte{}, errInvalidDuration
	}
	if feeBps > e.maxFeeBps {
		return [32]byte{}, errFeeOutOfRange
	}

	now := e.now()
	interest := interestBetween(loan, now)
	payoff := new(big.Int).Add(loan.Principal, interest)
	increase := new(big.Int).Sub(principal, loan.Principal)
	fee := new(big.Int).Mul(principal, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, basisPoints)

	newLenderAcc, err := e.loadAccount(newLender)
	if err != nil {
		return [32]byte{}, err
	}
	outlay := new(big.Int).Add(payoff, increase)
	if !newLenderAcc.Debit(loan.Currency, outlay) {
		return [32]byte{}, errInsufficientBalance
	}
	oldLenderAcc, err := e.loadAccount(loan.Lender)
	if err != nil {
		return [32]byte{}, err
	}
	oldLenderAcc.Credit(loan.Currency, payoff)
	borrowerAcc, err := e.loadAccount(loan.Borrower)
	if err != nil {
		return [32]byte{}, err
	}
	borrowerAcc.Credit(loan.Currency, increase)
	if !borrowerAcc.Debit(loan.Currency, fee) {
		return [32]byte{}, errInsufficientBalance
	}
	treasuryAcc, err := e.loadAccount(e.feeTreasury)
	if err != nil {
		return [32]byte{}, err
	}
	treasuryAcc.Credit(loan.Currency, fee)

	nonce, err := e.state.NextLoanNonce()
	if err != nil {
		return [32]byte{}, err
	}
	newID := deriveLoanID(loan.OfferID, loan.Borrower, nonce, now)

	if err := e.custodian.Reassign(loan.Collateral, oldLoanID, newID); err != nil {
		return [32]byte{}, err
	}

	newLoan := &Loan{
		ID:              newID,
		OfferID:         loan.OfferID,
		Borrower:        loan.Borrower,
		Lender:          newLender,
		Collateral:      loan.Collateral.Clone(),
		Currency:        loan.Currency,
		Principal:       new(big.Int).Set(principal),
		APRBps:          aprBps,
		OriginationFee:  fee,
		StartTime:       now,
		DueTime:         now + duration,
		AccruedInterest: big.NewInt(0),
		Status:          LoanActive,
		ExternalAssetID: loan.ExternalAssetID,
	}
	loan.Status = LoanRefinanced
	loan.AccruedInterest = interest

	if err := e.persistRefinance(loan, newLoan, newLender, newLenderAcc, oldLenderAcc, borrowerAcc, treasuryAcc); err != nil {
		_ = e.custodian.Reassign(loan.Collateral, newID, oldLoanID)
		return [32]byte{}, err
	}
	e.emit(newLoanRefinancedEvent(loan, newLoan))
	return newID, nil
}

func (e *Engine) persistRefinance(oldLoan, newLoan *Loan, newLender [20]byte, newLenderAcc, oldLenderAcc, borrowerAcc, treasuryAcc *types.Account) error {
	if err := e.state.PutAccount(newLender, newLenderAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(oldLoan.Lender, oldLenderAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(oldLoan.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.feeTreasury, treasuryAcc); err != nil {
		return err
	}
	if err := e.state.LoanPut(oldLoan); err != nil {
		return err
	}
	return e.state.LoanPut(newLoan)
}

// ListForSale opens exactly one sale listing for an ACTIVE loan. The price
// must cover the worst-case debt so a sale can never leave the lender
// under-repaid.
func (e *Engine) ListForSale(loanID [32]byte, price *big.Int, caller [20]byte) (*SaleListing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanActive {
		return nil, errLoanNotActive
	}
	if caller != loan.Borrower {
		return nil, errNotBorrower
	}
	if _, exists := e.state.ListingIDByLoan(loanID); exists {
		return nil, errListingExists
	}
	worstCase := new(big.Int).Add(loan.Principal, maxInterest(loan))
	if price == nil || price.Cmp(worstCase) < 0 {
		return nil, errPriceBelowDebt
	}
	nonce, err := e.state.NextLoanNonce()
	if err != nil {
		return nil, err
	}
	now := e.now()
	listing := &SaleListing{
		ID:        deriveListingID(loanID, nonce, now),
		LoanID:    loanID,
		Seller:    caller,
		Price:     new(big.Int).Set(price),
		Currency:  loan.Currency,
		Active:    true,
		CreatedAt: now,
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(newListingEvent(EventTypeListingCreated, listing))
	return listing.Clone(), nil
}

// BuyListed purchases listed collateral: the debt settles to the lender, the
// surplus goes to the seller, the collateral transfers to the buyer, the loan
// is REPAID and the listing deactivated — all four effects atomically.
func (e *Engine) BuyListed(listingID [32]byte, caller [20]byte, payment *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, ok := e.state.ListingGet(listingID)
	if !ok {
		return errListingNotFound
	}
	if !listing.Active {
		return errListingInactive
	}
	loan, err := e.loadLoan(listing.LoanID)
	if err != nil {
		return err
	}
	if loan.Status != LoanActive {
		return errLoanNotActive
	}
	if payment == nil || payment.Cmp(listing.Price) < 0 {
		return errPaymentTooLow
	}
	now := e.now()
	interest := interestBetween(loan, now)
	debt := new(big.Int).Add(loan.Principal, interest)
	if payment.Cmp(debt) < 0 {
		return errPaymentTooLow
	}

	buyerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if !buyerAcc.Debit(loan.Currency, payment) {
		return errInsufficientBalance
	}
	lenderAcc, err := e.loadAccount(loan.Lender)
	if err != nil {
		return err
	}
	lenderAcc.Credit(loan.Currency, debt)
	surplus := new(big.Int).Sub(payment, debt)
	sellerAcc, err := e.loadAccount(listing.Seller)
	if err != nil {
		return err
	}
	sellerAcc.Credit(loan.Currency, surplus)

	if err := e.custodian.Release(loan.Collateral, caller, loan.ID); err != nil {
		return err
	}

	loan.Status = LoanRepaid
	loan.AccruedInterest = interest
	listing.Active = false
	if err := e.persistSale(loan, listing, caller, buyerAcc, lenderAcc, sellerAcc); err != nil {
		_ = e.custodian.TakeCustody(loan.Collateral, caller, loan.ID)
		return err
	}
	e.emit(newListingEvent(EventTypeListingSold, listing))
	e.emit(newLoanRepaidEvent(loan, debt, nil))
	return nil
}

func (e *Engine) persistSale(loan *Loan, listing *SaleListing, buyer [20]byte, buyerAcc, lenderAcc, sellerAcc *types.Account) error {
	if err := e.state.PutAccount(buyer, buyerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(loan.Lender, lenderAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(listing.Seller, sellerAcc); err != nil {
		return err
	}
	if err := e.state.LoanPut(loan); err != nil {
		return err
	}
	return e.state.ListingPut(listing)
}

// CancelListing deactivates a listing with no side effects.
func (e *Engine) CancelListing(listingID [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, ok := e.state.ListingGet(listingID)
	if !ok {
		return errListingNotFound
	}
	if !listing.Active {
		return errListingInactive
	}
	if caller != listing.Seller {
		return errNotSeller
	}
	listing.Active = false
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(newListingEvent(EventTypeListingCancelled, listing))
	return nil
}

// RecordExternalRepayment is the callback exposed to the external settlement
// helper: it marks an ACTIVE loan repaid after a qualifying off-ledger sale
// and hands the collateral to the new owner, so the ledger and the helper
// never disagree on loan status.
func (e *Engine) RecordExternalRepayment(loanID [32]byte, newOwner [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if newOwner == ([20]byte{}) {
		return errZeroRecipient
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Status != LoanActive {
		return errLoanNotActive
	}
	interest := interestBetween(loan, e.now())
	if err := e.custodian.Release(loan.Collateral, newOwner, loanID); err != nil {
		return err
	}
	loan.Status = LoanRepaid
	loan.AccruedInterest = interest
	if err := e.state.LoanPut(loan); err != nil {
		_ = e.custodian.TakeCustody(loan.Collateral, newOwner, loanID)
		return err
	}
	e.emit(newLoanRepaidEvent(loan, nil, nil))
	return nil
}

func deriveLoanID(offerID [32]byte, borrower [20]byte, nonce uint64, createdAt int64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash(offerID[:], borrower[:], nonceBytes[:], timeBytes[:])
}

func deriveListingID(loanID [32]byte, nonce uint64, createdAt int64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash([]byte("listing"), loanID[:], nonceBytes[:], timeBytes[:])
}
