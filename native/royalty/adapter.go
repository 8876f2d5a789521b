package royalty

import (
	"errors"
	"math/big"
	"sync"

	"nftlend/core/events"
	"nftlend/core/types"
)

var (
	errNilSource     = errors.New("royalty adapter: source not configured")
	errNilAmount     = errors.New("royalty adapter: amount must be positive")
	errSourceShorted = errors.New("royalty adapter: source reported less than the withdrawn amount")
)

// Registry maps collateral to the id it carries in the external royalty
// system. Assets that never registered resolve to nothing.
type Registry interface {
	ResolveExternalID(contract [20]byte, tokenID *big.Int) (string, bool)
}

// Source is the external royalty accounting system: it reports the claimable
// balance for an asset and pays withdrawals out to a recipient.
type Source interface {
	Claimable(externalAssetID, currency string) (*big.Int, error)
	Withdraw(externalAssetID, currency string, amount *big.Int, recipient [20]byte) error
}

// Adapter bridges loan repayment to accrued royalty income. It withdraws at
// most the amount due; an unresolved or unlinked asset yields zero without
// error so repayment falls through to the borrower's own funds.
type Adapter struct {
	source  Source
	emitter events.Emitter
}

// NewAdapter constructs a royalty adapter over the given source.
func NewAdapter(source Source) *Adapter {
	return &Adapter{source: source, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (a *Adapter) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		a.emitter = events.NoopEmitter{}
		return
	}
	a.emitter = emitter
}

// AttemptPayment withdraws min(claimable, amountDue) from the asset's accrued
// royalties to the recipient and returns the amount actually applied.
func (a *Adapter) AttemptPayment(externalAssetID, currency string, amountDue *big.Int, recipient [20]byte) (*big.Int, error) {
	if a == nil || a.source == nil {
		return nil, errNilSource
	}
	if externalAssetID == "" {
		return big.NewInt(0), nil
	}
	if amountDue == nil || amountDue.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	claimable, err := a.source.Claimable(externalAssetID, currency)
	if err != nil {
		return nil, err
	}
	if claimable == nil || claimable.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	applied := new(big.Int).Set(amountDue)
	if claimable.Cmp(applied) < 0 {
		applied.Set(claimable)
	}
	if err := a.source.Withdraw(externalAssetID, currency, applied, recipient); err != nil {
		return nil, err
	}
	a.emit(newRoyaltyAppliedEvent(externalAssetID, currency, applied, recipient))
	return applied, nil
}

func (a *Adapter) emit(event *types.Event) {
	if a == nil || a.emitter == nil || event == nil {
		return
	}
	a.emitter.Emit(royaltyEvent{evt: event})
}

// MemoryRegistry is an in-process Registry keyed by collateral descriptor.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]string)}
}

// Register links a collateral asset to its external id.
func (r *MemoryRegistry) Register(contract [20]byte, tokenID *big.Int, externalID string) {
	asset := types.Collateral{Contract: contract, TokenID: tokenID}
	r.mu.Lock()
	r.entries[asset.Key()] = externalID
	r.mu.Unlock()
}

// ResolveExternalID returns the registered external id, if any.
func (r *MemoryRegistry) ResolveExternalID(contract [20]byte, tokenID *big.Int) (string, bool) {
	asset := types.Collateral{Contract: contract, TokenID: tokenID}
	r.mu.RLock()
	id, ok := r.entries[asset.Key()]
	r.mu.RUnlock()
	return id, ok && id != ""
}

// MemorySource is an in-process Source tracking accrued royalties per asset
// and currency. Withdrawals reduce the accrued balance; where the funds land
// on the ledger is the caller's concern.
type MemorySource struct {
	mu      sync.Mutex
	accrued map[string]map[string]*big.Int
}

// NewMemorySource constructs an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{accrued: make(map[string]map[string]*big.Int)}
}

// Accrue adds royalty income for an asset.
func (s *MemorySource) Accrue(externalAssetID, currency string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errNilAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byCurrency, ok := s.accrued[externalAssetID]
	if !ok {
		byCurrency = make(map[string]*big.Int)
		s.accrued[externalAssetID] = byCurrency
	}
	balance, ok := byCurrency[currency]
	if !ok {
		balance = big.NewInt(0)
		byCurrency[currency] = balance
	}
	balance.Add(balance, amount)
	return nil
}

// Claimable reports the accrued balance for the asset and currency.
func (s *MemorySource) Claimable(externalAssetID, currency string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCurrency, ok := s.accrued[externalAssetID]
	if !ok {
		return big.NewInt(0), nil
	}
	balance, ok := byCurrency[currency]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

// Withdraw deducts the amount from the accrued balance.
func (s *MemorySource) Withdraw(externalAssetID, currency string, amount *big.Int, _ [20]byte) error {
	if amount == nil || amount.Sign() <= 0 {
		return errNilAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byCurrency, ok := s.accrued[externalAssetID]
	if !ok {
		return errSourceShorted
	}
	balance, ok := byCurrency[currency]
	if !ok || balance.Cmp(amount) < 0 {
		return errSourceShorted
	}
	balance.Sub(balance, amount)
	return nil
}
