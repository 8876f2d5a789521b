package config

import (
	"strings"
	"sync"
)

// AllowLists answers the currency and collection policy checks the offer
// registry performs before any offer is created or accepted.
type AllowLists struct {
	mu          sync.RWMutex
	currencies  map[string]struct{}
	collections map[[20]byte]struct{}
}

// NewAllowLists builds the allow-lists from the loaded configuration.
func NewAllowLists(cfg *Config) (*AllowLists, error) {
	lists := &AllowLists{
		currencies:  make(map[string]struct{}),
		collections: make(map[[20]byte]struct{}),
	}
	if cfg == nil {
		return lists, nil
	}
	for _, symbol := range cfg.Currencies {
		normalized := strings.ToUpper(strings.TrimSpace(symbol))
		if normalized == "" {
			continue
		}
		lists.currencies[normalized] = struct{}{}
	}
	for _, collection := range cfg.Collections {
		addr, err := ParseAddress(collection)
		if err != nil {
			return nil, err
		}
		lists.collections[addr] = struct{}{}
	}
	return lists, nil
}

// AddCurrency whitelists a currency symbol at runtime.
func (l *AllowLists) AddCurrency(symbol string) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return
	}
	l.mu.Lock()
	l.currencies[normalized] = struct{}{}
	l.mu.Unlock()
}

// AddCollection whitelists a collateral contract at runtime.
func (l *AllowLists) AddCollection(contract [20]byte) {
	l.mu.Lock()
	l.collections[contract] = struct{}{}
	l.mu.Unlock()
}

// IsCurrencySupported reports whether the symbol is on the allow-list.
func (l *AllowLists) IsCurrencySupported(symbol string) bool {
	if l == nil {
		return false
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.RLock()
	_, ok := l.currencies[normalized]
	l.mu.RUnlock()
	return ok
}

// IsCollectionWhitelisted reports whether the contract is on the allow-list.
func (l *AllowLists) IsCollectionWhitelisted(contract [20]byte) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	_, ok := l.collections[contract]
	l.mu.RUnlock()
	return ok
}

// PauseSet is the operator pause switch set consulted by every engine before
// a mutating call.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseSet builds the pause set from the loaded configuration.
func NewPauseSet(cfg *Config) *PauseSet {
	set := &PauseSet{paused: make(map[string]struct{})}
	if cfg != nil {
		for _, module := range cfg.PausedModules {
			normalized := strings.ToLower(strings.TrimSpace(module))
			if normalized == "" {
				continue
			}
			set.paused[normalized] = struct{}{}
		}
	}
	return set
}

// Pause disables mutating calls on the named module.
func (p *PauseSet) Pause(module string) {
	p.mu.Lock()
	p.paused[strings.ToLower(module)] = struct{}{}
	p.mu.Unlock()
}

// Resume re-enables mutating calls on the named module.
func (p *PauseSet) Resume(module string) {
	p.mu.Lock()
	delete(p.paused, strings.ToLower(module))
	p.mu.Unlock()
}

// IsPaused reports whether the module is paused.
func (p *PauseSet) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	_, ok := p.paused[strings.ToLower(module)]
	p.mu.RUnlock()
	return ok
}
