package auction

import (
	"math/big"
	"testing"

	"nftlend/core/types"
)

type mockState struct {
	auctions      map[[32]byte]*Auction
	auctionByLoan map[[32]byte][32]byte
	buyouts       map[[32]byte]*Buyout
	accounts      map[[20]byte]*types.Account
	nonce         uint64
}

func newMockState() *mockState {
	return &mockState{
		auctions:      make(map[[32]byte]*Auction),
		auctionByLoan: make(map[[32]byte][32]byte),
		buyouts:       make(map[[32]byte]*Buyout),
		accounts:      make(map[[20]byte]*types.Account),
	}
}

func (m *mockState) AuctionPut(a *Auction) error {
	m.auctions[a.ID] = a.Clone()
	m.auctionByLoan[a.LoanID] = a.ID
	return nil
}

func (m *mockState) AuctionGet(id [32]byte) (*Auction, bool) {
	a, ok := m.auctions[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (m *mockState) AuctionIDByLoan(loanID [32]byte) ([32]byte, bool) {
	id, ok := m.auctionByLoan[loanID]
	return id, ok
}

func (m *mockState) NextAuctionNonce() (uint64, error) {
	m.nonce++
	return m.nonce, nil
}

func (m *mockState) BuyoutPut(b *Buyout) error {
	m.buyouts[b.LoanID] = b.Clone()
	return nil
}

func (m *mockState) BuyoutGet(loanID [32]byte) (*Buyout, bool) {
	b, ok := m.buyouts[loanID]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	acc, ok := m.accounts[addr]
	if !ok {
		return types.NewAccount(), nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr [20]byte, acc *types.Account) error {
	m.accounts[addr] = acc.Clone()
	return nil
}

func (m *mockState) balance(addr [20]byte, currency string) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return acc.Balance(currency)
}

func (m *mockState) fund(addr [20]byte, currency string, amount *big.Int) {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = types.NewAccount()
		m.accounts[addr] = acc
	}
	acc.Credit(currency, amount)
}

type mockLedger struct {
	liquidated [][32]byte
}

func (m *mockLedger) MarkLiquidated(id [32]byte) error {
	m.liquidated = append(m.liquidated, id)
	return nil
}

type mockCustodian struct {
	releases []struct {
		loanID [32]byte
		to     [20]byte
	}
}

func (m *mockCustodian) Release(asset types.Collateral, to [20]byte, loanID [32]byte) error {
	m.releases = append(m.releases, struct {
		loanID [32]byte
		to     [20]byte
	}{loanID, to})
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

const testCurrency = "USDC"

var (
	loanID   = testID(0x10)
	vault    = testAddr(0xEE)
	lenderA  = testAddr(1)
	lenderB  = testAddr(2)
	bidderA  = testAddr(3)
	bidderB  = testAddr(4)
	claimant = testAddr(5)
)

func testAsset() types.Collateral {
	return types.Collateral{Contract: testAddr(0xAA), TokenID: big.NewInt(7)}
}

func newTestEngine(now int64) (*Engine, *mockState, *mockLedger, *mockCustodian) {
	state := newMockState()
	ledger := &mockLedger{}
	custodian := &mockCustodian{}
	engine := NewEngine(ledger, custodian, vault)
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return now })
	return engine, state, ledger, custodian
}

func soleClaimant() []Claimant {
	return []Claimant{{Beneficiary: lenderA, Weight: 1}}
}

func TestStartValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(1_000)
	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(0), 3_600, soleClaimant()); err != errInvalidStartingBid {
		t.Fatalf("zero starting bid: got %v, want %v", err, errInvalidStartingBid)
	}
	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 0, soleClaimant()); err != errInvalidDuration {
		t.Fatalf("zero duration: got %v, want %v", err, errInvalidDuration)
	}
	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, nil); err != errNoClaimants {
		t.Fatalf("no claimants: got %v, want %v", err, errNoClaimants)
	}
	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, []Claimant{{Beneficiary: lenderA}}); err != errZeroWeights {
		t.Fatalf("zero weights: got %v, want %v", err, errZeroWeights)
	}

	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant()); err != errAuctionExists {
		t.Fatalf("second auction: got %v, want %v", err, errAuctionExists)
	}
}

func TestHasLiveLiquidation(t *testing.T) {
	now := int64(1_000)
	engine, _, _, _ := newTestEngine(now)
	if engine.HasLiveLiquidation(loanID) {
		t.Fatalf("untouched loan reported live")
	}

	auctionID, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !engine.HasLiveLiquidation(loanID) {
		t.Fatalf("active auction not reported live")
	}
	// Ended but unsettled still counts: the outcome has not moved yet.
	engine.SetNowFunc(func() int64 { return now + 3_600 })
	if err := engine.End(auctionID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !engine.HasLiveLiquidation(loanID) {
		t.Fatalf("unsettled auction not reported live")
	}

	otherLoan := testID(0x21)
	deadline := now + 7_200
	if err := engine.InitiateBuyout(otherLoan, claimant, testAsset(), testCurrency, big.NewInt(400), deadline, soleClaimant()); err != nil {
		t.Fatalf("initiate buyout: %v", err)
	}
	if !engine.HasLiveLiquidation(otherLoan) {
		t.Fatalf("open buyout not reported live")
	}
	engine.SetNowFunc(func() int64 { return deadline + 1 })
	if engine.HasLiveLiquidation(otherLoan) {
		t.Fatalf("expired buyout reported live")
	}
}

func TestBidMonotonicityAndRefunds(t *testing.T) {
	now := int64(1_000)
	engine, state, _, _ := newTestEngine(now)
	auctionID, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	state.fund(bidderA, testCurrency, big.NewInt(1_000))
	state.fund(bidderB, testCurrency, big.NewInt(1_000))

	if err := engine.PlaceBid(auctionID, bidderA, big.NewInt(99)); err != errBidBelowStarting {
		t.Fatalf("below starting: got %v, want %v", err, errBidBelowStarting)
	}
	if err := engine.PlaceBid(auctionID, bidderA, big.NewInt(100)); err != nil {
		t.Fatalf("first bid at starting price: %v", err)
	}
	if err := engine.PlaceBid(auctionID, bidderB, big.NewInt(100)); err != errBidTooLow {
		t.Fatalf("equal bid: got %v, want %v", err, errBidTooLow)
	}
	if err := engine.PlaceBid(auctionID, bidderB, big.NewInt(150)); err != nil {
		t.Fatalf("higher bid: %v", err)
	}

	// Displaced bidder refunded exactly their prior bid, in the same call.
	if got := state.balance(bidderA, testCurrency); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("bidderA balance = %s, want full refund to 1000", got)
	}
	if got := state.balance(bidderB, testCurrency); got.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("bidderB balance = %s, want 850", got)
	}
	if got := state.balance(vault, testCurrency); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("vault holds %s, want only the highest bid 150", got)
	}

	a, _ := engine.Get(auctionID)
	if a.HighestBid.Cmp(big.NewInt(150)) != 0 || a.HighestBidder != bidderB {
		t.Fatalf("highest bid not tracked")
	}

	engine.SetNowFunc(func() int64 { return now + 3_600 })
	if err := engine.PlaceBid(auctionID, bidderA, big.NewInt(200)); err != errBiddingClosed {
		t.Fatalf("bid at end time: got %v, want %v", err, errBiddingClosed)
	}
}

func TestEndAndDistributeProRataWithDust(t *testing.T) {
	now := int64(1_000)
	engine, state, ledger, custodian := newTestEngine(now)
	claimants := []Claimant{
		{Beneficiary: lenderA, Weight: 2},
		{Beneficiary: lenderB, Weight: 1},
	}
	auctionID, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, claimants)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state.fund(bidderA, testCurrency, big.NewInt(1_000))
	if err := engine.PlaceBid(auctionID, bidderA, big.NewInt(100)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if err := engine.End(auctionID); err != errAuctionNotEnded {
		t.Fatalf("end early: got %v, want %v", err, errAuctionNotEnded)
	}
	engine.SetNowFunc(func() int64 { return now + 3_600 })
	if err := engine.End(auctionID); err != nil {
		t.Fatalf("end: %v", err)
	}
	a, _ := engine.Get(auctionID)
	if a.Status != AuctionEndedSold {
		t.Fatalf("status = %v, want ended_sold", a.Status)
	}

	if err := engine.DistributeProceeds(auctionID); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	// 100 * 2/3 = 66, 100 * 1/3 = 33; dust of 1 stays in the vault.
	if got := state.balance(lenderA, testCurrency); got.Cmp(big.NewInt(66)) != 0 {
		t.Fatalf("lenderA share = %s, want 66", got)
	}
	if got := state.balance(lenderB, testCurrency); got.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("lenderB share = %s, want 33", got)
	}
	if got := state.balance(vault, testCurrency); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("vault dust = %s, want 1", got)
	}
	if len(custodian.releases) != 1 || custodian.releases[0].to != bidderA {
		t.Fatalf("collateral not released to the winner")
	}
	if len(ledger.liquidated) != 1 || ledger.liquidated[0] != loanID {
		t.Fatalf("loan not marked liquidated")
	}
	a, _ = engine.Get(auctionID)
	if a.Status != AuctionSettled {
		t.Fatalf("status = %v, want settled", a.Status)
	}
	if err := engine.DistributeProceeds(auctionID); err != errAuctionNotSold {
		t.Fatalf("double distribute: got %v, want %v", err, errAuctionNotSold)
	}
}

func TestNoBidsReturnsCollateralToSeniorClaimant(t *testing.T) {
	now := int64(1_000)
	engine, _, ledger, custodian := newTestEngine(now)
	auctionID, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.SetNowFunc(func() int64 { return now + 3_600 })
	if err := engine.End(auctionID); err != nil {
		t.Fatalf("end: %v", err)
	}
	a, _ := engine.Get(auctionID)
	if a.Status != AuctionEndedNoBids {
		t.Fatalf("status = %v, want ended_no_bids", a.Status)
	}
	if err := engine.DistributeProceeds(auctionID); err != errAuctionNotSold {
		t.Fatalf("distribute without sale: got %v, want %v", err, errAuctionNotSold)
	}
	if err := engine.ClaimCollateralPostAuction(auctionID); err != nil {
		t.Fatalf("post-auction claim: %v", err)
	}
	if len(custodian.releases) != 1 || custodian.releases[0].to != lenderA {
		t.Fatalf("collateral not returned to the senior claimant")
	}
	if len(ledger.liquidated) != 0 {
		t.Fatalf("no-bid settlement must not mark the loan liquidated")
	}
}

func TestBuyoutExclusiveWithAuction(t *testing.T) {
	now := int64(1_000)
	engine, _, _, _ := newTestEngine(now)
	if _, err := engine.Start(loanID, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := engine.InitiateBuyout(loanID, claimant, testAsset(), testCurrency, big.NewInt(500), now+3_600, soleClaimant())
	if err != errAuctionExists {
		t.Fatalf("buyout over live auction: got %v, want %v", err, errAuctionExists)
	}

	otherLoan := testID(0x20)
	if err := engine.InitiateBuyout(otherLoan, claimant, testAsset(), testCurrency, big.NewInt(500), now+3_600, soleClaimant()); err != nil {
		t.Fatalf("initiate buyout: %v", err)
	}
	if _, err := engine.Start(otherLoan, testAsset(), testCurrency, big.NewInt(100), 3_600, soleClaimant()); err != errBuyoutExists {
		t.Fatalf("auction over live buyout: got %v, want %v", err, errBuyoutExists)
	}
}

func TestExecuteBuyout(t *testing.T) {
	now := int64(1_000)
	engine, state, ledger, custodian := newTestEngine(now)
	claimants := []Claimant{
		{Beneficiary: lenderA, Weight: 3},
		{Beneficiary: lenderB, Weight: 1},
	}
	if err := engine.InitiateBuyout(loanID, claimant, testAsset(), testCurrency, big.NewInt(400), now+3_600, claimants); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := engine.ExecuteBuyout(loanID, bidderA); err != errNotBuyoutClaimant {
		t.Fatalf("stranger execute: got %v, want %v", err, errNotBuyoutClaimant)
	}
	if err := engine.ExecuteBuyout(loanID, claimant); err != errInsufficientBalance {
		t.Fatalf("unfunded execute: got %v, want %v", err, errInsufficientBalance)
	}

	state.fund(claimant, testCurrency, big.NewInt(400))
	if err := engine.ExecuteBuyout(loanID, claimant); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := state.balance(lenderA, testCurrency); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("lenderA share = %s, want 300", got)
	}
	if got := state.balance(lenderB, testCurrency); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("lenderB share = %s, want 100", got)
	}
	if len(custodian.releases) != 1 || custodian.releases[0].to != claimant {
		t.Fatalf("collateral not released to the buyout claimant")
	}
	if len(ledger.liquidated) != 1 {
		t.Fatalf("loan not marked liquidated")
	}
	if err := engine.ExecuteBuyout(loanID, claimant); err != errBuyoutInactive {
		t.Fatalf("replay: got %v, want %v", err, errBuyoutInactive)
	}
}

func TestExecuteBuyoutAfterDeadline(t *testing.T) {
	now := int64(1_000)
	engine, state, _, _ := newTestEngine(now)
	if err := engine.InitiateBuyout(loanID, claimant, testAsset(), testCurrency, big.NewInt(400), now+100, soleClaimant()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	state.fund(claimant, testCurrency, big.NewInt(400))
	engine.SetNowFunc(func() int64 { return now + 101 })
	if err := engine.ExecuteBuyout(loanID, claimant); err != errBuyoutExpired {
		t.Fatalf("expired execute: got %v, want %v", err, errBuyoutExpired)
	}
}
