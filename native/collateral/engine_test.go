package collateral

import (
	"errors"
	"math/big"
	"testing"

	"nftlend/core/types"
)

type mockState struct {
	locks        map[string]*LockRecord
	owners       map[string][20]byte
	failTransfer error
}

func newMockState() *mockState {
	return &mockState{
		locks:  make(map[string]*LockRecord),
		owners: make(map[string][20]byte),
	}
}

func (m *mockState) LockGet(assetKey string) (*LockRecord, bool) {
	record, ok := m.locks[assetKey]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (m *mockState) LockPut(record *LockRecord) error {
	m.locks[record.Asset.Key()] = record.Clone()
	return nil
}

func (m *mockState) LockDelete(assetKey string) error {
	delete(m.locks, assetKey)
	return nil
}

func (m *mockState) NFTOwner(asset types.Collateral) ([20]byte, error) {
	owner, ok := m.owners[asset.Key()]
	if !ok {
		return [20]byte{}, errors.New("unknown asset")
	}
	return owner, nil
}

func (m *mockState) NFTTransfer(asset types.Collateral, from, to [20]byte) error {
	if m.failTransfer != nil {
		return m.failTransfer
	}
	owner, ok := m.owners[asset.Key()]
	if !ok || owner != from {
		return errors.New("transfer from non-owner")
	}
	m.owners[asset.Key()] = to
	return nil
}

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

func testID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

var (
	vault  = testAddr(0xEE)
	holder = testAddr(1)
	loanA  = testID(0x10)
	loanB  = testID(0x20)
)

func testAsset() types.Collateral {
	return types.Collateral{Contract: testAddr(0xAA), TokenID: big.NewInt(7)}
}

func newTestEngine() (*Engine, *mockState) {
	state := newMockState()
	state.owners[testAsset().Key()] = holder
	engine := NewEngine(vault)
	engine.SetState(state)
	return engine, state
}

func TestTakeCustody(t *testing.T) {
	engine, state := newTestEngine()
	asset := testAsset()

	collection := types.Collateral{Contract: asset.Contract}
	if err := engine.TakeCustody(collection, holder, loanA); err != errNotConcrete {
		t.Fatalf("collection descriptor: got %v, want %v", err, errNotConcrete)
	}
	if err := engine.TakeCustody(asset, testAddr(9), loanA); err != errNotOwner {
		t.Fatalf("non-owner: got %v, want %v", err, errNotOwner)
	}
	if err := engine.TakeCustody(asset, holder, loanA); err != nil {
		t.Fatalf("take custody: %v", err)
	}
	if state.owners[asset.Key()] != vault {
		t.Fatalf("asset not moved into the vault")
	}
	// An escrowed asset can never be escrowed a second time.
	if err := engine.TakeCustody(asset, holder, loanB); err != errAlreadyLocked {
		t.Fatalf("double escrow: got %v, want %v", err, errAlreadyLocked)
	}
}

func TestTakeCustodyUndoesLockOnTransferFailure(t *testing.T) {
	engine, state := newTestEngine()
	asset := testAsset()
	state.failTransfer = errors.New("bridge unavailable")

	if err := engine.TakeCustody(asset, holder, loanA); err == nil {
		t.Fatalf("expected transfer failure to abort custody")
	}
	if _, locked := state.LockGet(asset.Key()); locked {
		t.Fatalf("failed custody left a phantom lock")
	}
	state.failTransfer = nil
	if err := engine.TakeCustody(asset, holder, loanA); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	engine, state := newTestEngine()
	asset := testAsset()
	if err := engine.Release(asset, holder, loanA); err != errNotLocked {
		t.Fatalf("release unescrowed: got %v, want %v", err, errNotLocked)
	}
	if err := engine.TakeCustody(asset, holder, loanA); err != nil {
		t.Fatalf("take custody: %v", err)
	}
	if err := engine.Release(asset, [20]byte{}, loanA); err != errZeroRecipient {
		t.Fatalf("zero recipient: got %v, want %v", err, errZeroRecipient)
	}
	if err := engine.Release(asset, holder, loanB); err != errWrongLoan {
		t.Fatalf("wrong loan: got %v, want %v", err, errWrongLoan)
	}
	if err := engine.Release(asset, holder, loanA); err != nil {
		t.Fatalf("release: %v", err)
	}
	if state.owners[asset.Key()] != holder {
		t.Fatalf("asset not returned to the recipient")
	}
	if err := engine.Release(asset, holder, loanA); err != errNotLocked {
		t.Fatalf("second release: got %v, want %v", err, errNotLocked)
	}
}

func TestReleaseRestoresLockOnTransferFailure(t *testing.T) {
	engine, state := newTestEngine()
	asset := testAsset()
	if err := engine.TakeCustody(asset, holder, loanA); err != nil {
		t.Fatalf("take custody: %v", err)
	}
	state.failTransfer = errors.New("bridge unavailable")
	if err := engine.Release(asset, holder, loanA); err == nil {
		t.Fatalf("expected transfer failure to abort release")
	}
	if _, locked := state.LockGet(asset.Key()); !locked {
		t.Fatalf("failed release dropped the lock record")
	}
	if state.owners[asset.Key()] != vault {
		t.Fatalf("asset left the vault on a failed release")
	}
}

func TestReassignRebindsLoan(t *testing.T) {
	engine, _ := newTestEngine()
	asset := testAsset()
	if err := engine.Reassign(asset, loanA, loanB); err != errNotLocked {
		t.Fatalf("reassign unescrowed: got %v, want %v", err, errNotLocked)
	}
	if err := engine.TakeCustody(asset, holder, loanA); err != nil {
		t.Fatalf("take custody: %v", err)
	}
	if err := engine.Reassign(asset, loanB, loanA); err != errWrongLoan {
		t.Fatalf("wrong source loan: got %v, want %v", err, errWrongLoan)
	}
	if err := engine.Reassign(asset, loanA, loanB); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	bound, ok := engine.ActiveLoan(asset)
	if !ok || bound != loanB {
		t.Fatalf("asset bound to %x, want loanB", bound)
	}
	// Release must now require the new owning loan.
	if err := engine.Release(asset, holder, loanA); err != errWrongLoan {
		t.Fatalf("release under old loan: got %v, want %v", err, errWrongLoan)
	}
	if err := engine.Release(asset, holder, loanB); err != nil {
		t.Fatalf("release under new loan: %v", err)
	}
}
