package types

import "math/big"

// Account holds the fungible balances tracked by the protocol ledger. Balances
// are keyed by currency symbol and denominated in wei as big integers to match
// on-chain precision.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an initialised balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the balance held for the given currency. A missing entry is
// reported as zero; the returned value is a copy and safe to mutate.
func (a *Account) Balance(currency string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[currency]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Credit increases the balance held for the given currency.
func (a *Account) Credit(currency string, amount *big.Int) {
	if a == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[currency] = new(big.Int).Add(a.Balance(currency), amount)
}

// Debit decreases the balance held for the given currency. It reports whether
// the account held sufficient funds; on false the account is left untouched.
func (a *Account) Debit(currency string, amount *big.Int) bool {
	if a == nil || amount == nil || amount.Sign() < 0 {
		return false
	}
	if amount.Sign() == 0 {
		return true
	}
	current := a.Balance(currency)
	if current.Cmp(amount) < 0 {
		return false
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[currency] = current.Sub(current, amount)
	return true
}

// Clone returns a deep copy of the account so callers can stage mutations
// without touching the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for currency, bal := range a.Balances {
		if bal != nil {
			clone.Balances[currency] = new(big.Int).Set(bal)
		}
	}
	return clone
}
