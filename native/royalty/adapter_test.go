package royalty

import (
	"math/big"
	"testing"
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

const (
	assetID  = "ip-asset-7"
	currency = "USDC"
)

func TestAttemptPaymentUnlinkedAssetIsZero(t *testing.T) {
	adapter := NewAdapter(NewMemorySource())
	applied, err := adapter.AttemptPayment("", currency, big.NewInt(100), testAddr(1))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if applied.Sign() != 0 {
		t.Fatalf("applied = %s, want 0 for unlinked asset", applied)
	}
}

func TestAttemptPaymentCapsAtAmountDue(t *testing.T) {
	source := NewMemorySource()
	if err := source.Accrue(assetID, currency, big.NewInt(500)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	adapter := NewAdapter(source)

	applied, err := adapter.AttemptPayment(assetID, currency, big.NewInt(200), testAddr(1))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if applied.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("applied = %s, want amount due 200", applied)
	}
	remaining, _ := source.Claimable(assetID, currency)
	if remaining.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("remaining = %s, want 300", remaining)
	}
}

func TestAttemptPaymentCapsAtClaimable(t *testing.T) {
	source := NewMemorySource()
	if err := source.Accrue(assetID, currency, big.NewInt(150)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	adapter := NewAdapter(source)

	applied, err := adapter.AttemptPayment(assetID, currency, big.NewInt(400), testAddr(1))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if applied.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("applied = %s, want full claimable 150", applied)
	}
	remaining, _ := source.Claimable(assetID, currency)
	if remaining.Sign() != 0 {
		t.Fatalf("remaining = %s, want 0", remaining)
	}
}

func TestAttemptPaymentNothingAccrued(t *testing.T) {
	adapter := NewAdapter(NewMemorySource())
	applied, err := adapter.AttemptPayment(assetID, currency, big.NewInt(400), testAddr(1))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if applied.Sign() != 0 {
		t.Fatalf("applied = %s, want 0", applied)
	}
}

func TestMemoryRegistry(t *testing.T) {
	registry := NewMemoryRegistry()
	contract := testAddr(0xAA)
	if _, ok := registry.ResolveExternalID(contract, big.NewInt(7)); ok {
		t.Fatalf("unregistered asset resolved")
	}
	registry.Register(contract, big.NewInt(7), assetID)
	resolved, ok := registry.ResolveExternalID(contract, big.NewInt(7))
	if !ok || resolved != assetID {
		t.Fatalf("resolved = %q, want %q", resolved, assetID)
	}
	if _, ok := registry.ResolveExternalID(contract, big.NewInt(8)); ok {
		t.Fatalf("different token id must not resolve")
	}
}

func TestWithdrawRejectsOverdraw(t *testing.T) {
	source := NewMemorySource()
	if err := source.Accrue(assetID, currency, big.NewInt(100)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if err := source.Withdraw(assetID, currency, big.NewInt(101), testAddr(1)); err == nil {
		t.Fatalf("expected overdraw to fail")
	}
}
