package collateral

import (
	"errors"
	"time"

	"nftlend/core/events"
	"nftlend/core/types"
	nativecommon "nftlend/native/common"
)

var (
	errNilState      = errors.New("collateral engine: state not configured")
	errNilVault      = errors.New("collateral engine: vault not configured")
	errNotConcrete   = errors.New("collateral engine: asset must name a token id")
	errNotOwner      = errors.New("collateral engine: sender does not hold the asset")
	errAlreadyLocked = errors.New("collateral engine: asset already escrowed")
	errNotLocked     = errors.New("collateral engine: asset not escrowed")
	errWrongLoan     = errors.New("collateral engine: asset escrowed for a different loan")
	errReentrantCall = errors.New("collateral engine: reentrant custody call")
	errZeroRecipient = errors.New("collateral engine: recipient not provided")
)

const moduleName = "collateral"

type engineState interface {
	LockGet(assetKey string) (*LockRecord, bool)
	LockPut(record *LockRecord) error
	LockDelete(assetKey string) error
	NFTOwner(asset types.Collateral) ([20]byte, error)
	NFTTransfer(asset types.Collateral, from, to [20]byte) error
}

// Engine is the escrow ledger: it holds custody of exactly one collateral unit
// per active loan on behalf of the protocol vault and is the only component
// allowed to move escrowed assets.
type Engine struct {
	state   engineState
	emitter events.Emitter
	vault   [20]byte
	pauses  nativecommon.PauseView
	nowFn   func() int64
	busy    map[string]bool
}

// NewEngine creates a collateral engine with a no-op emitter.
func NewEngine(vault [20]byte) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		vault:   vault,
		nowFn:   func() int64 { return time.Now().Unix() },
		busy:    make(map[string]bool),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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
	e.emitter.Emit(custodyEvent{evt: event})
}

// acquire marks the asset busy for the duration of one custody call so a
// malicious transfer hook cannot re-enter and double-escrow in-flight state.
func (e *Engine) acquire(key string) error {
	if e.busy == nil {
		e.busy = make(map[string]bool)
	}
	if e.busy[key] {
		return errReentrantCall
	}
	e.busy[key] = true
	return nil
}

func (e *Engine) release(key string) { delete(e.busy, key) }

// TakeCustody transfers sole custody of the asset from the holder into the
// protocol vault and binds it to the given loan. The holder must be the
// verified current owner.
func (e *Engine) TakeCustody(asset types.Collateral, from [20]byte, loanID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.vault == ([20]byte{}) {
		return errNilVault
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !asset.Concrete() {
		return errNotConcrete
	}
	key := asset.Key()
	if err := e.acquire(key); err != nil {
		return err
	}
	defer e.release(key)

	if _, locked := e.state.LockGet(key); locked {
		return errAlreadyLocked
	}
	owner, err := e.state.NFTOwner(asset)
	if err != nil {
		return err
	}
	if owner != from {
		return errNotOwner
	}
	record := &LockRecord{
		Asset:    asset.Clone(),
		LoanID:   loanID,
		Owner:    from,
		LockedAt: e.now(),
	}
	if err := e.state.LockPut(record); err != nil {
		return err
	}
	if err := e.state.NFTTransfer(asset, from, e.vault); err != nil {
		// Undo the lock so a failed transfer leaves no phantom escrow.
		_ = e.state.LockDelete(key)
		return err
	}
	e.emit(newLockedEvent(record))
	return nil
}

// Release transfers custody of the asset out of the vault to the recipient.
// Callable only by the single authorized resolution path for the owning loan,
// exactly once per loan lifecycle; releasing an unescrowed asset is an error.
func (e *Engine) Release(asset types.Collateral, to [20]byte, loanID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if to == ([20]byte{}) {
		return errZeroRecipient
	}
	key := asset.Key()
	if err := e.acquire(key); err != nil {
		return err
	}
	defer e.release(key)

	record, locked := e.state.LockGet(key)
	if !locked {
		return errNotLocked
	}
	if record.LoanID != loanID {
		return errWrongLoan
	}
	if err := e.state.LockDelete(key); err != nil {
		return err
	}
	if err := e.state.NFTTransfer(asset, e.vault, to); err != nil {
		// Restore the lock: a failed outbound transfer must not strand the
		// asset outside both the vault map and the recipient.
		_ = e.state.LockPut(record)
		return err
	}
	e.emit(newReleasedEvent(record, to))
	return nil
}

// Reassign rebinds an escrowed asset to a new loan without a custody
// round-trip. Used by refinance where the asset stays in the vault and only
// the owning loan changes.
func (e *Engine) Reassign(asset types.Collateral, oldLoanID, newLoanID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	key := asset.Key()
	if err := e.acquire(key); err != nil {
		return err
	}
	defer e.release(key)

	record, locked := e.state.LockGet(key)
	if !locked {
		return errNotLocked
	}
	if record.LoanID != oldLoanID {
		return errWrongLoan
	}
	updated := record.Clone()
	updated.LoanID = newLoanID
	if err := e.state.LockPut(updated); err != nil {
		return err
	}
	e.emit(newReassignedEvent(updated, oldLoanID))
	return nil
}

// ActiveLoan reports the loan an escrowed asset is bound to, if any.
func (e *Engine) ActiveLoan(asset types.Collateral) ([32]byte, bool) {
	if e == nil || e.state == nil {
		return [32]byte{}, false
	}
	record, locked := e.state.LockGet(asset.Key())
	if !locked {
		return [32]byte{}, false
	}
	return record.LoanID, true
}
