package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"nftlend/config"
	"nftlend/core/types"
	"nftlend/native/auction"
	"nftlend/native/lending"
	"nftlend/native/offers"
	"nftlend/native/royalty"
	"nftlend/storage"
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

const (
	testCurrency = "USDC"
	week         = int64(7 * 24 * 60 * 60)
)

var (
	borrower    = testAddr(1)
	lender      = testAddr(2)
	refinancer  = testAddr(3)
	bidder      = testAddr(4)
	treasury    = testAddr(0xF1)
	escrowVault = testAddr(0xF2)
	bidVault    = testAddr(0xF3)
	contract    = testAddr(0xAA)
)

func oneEther() *big.Int {
	ether, _ := new(big.Int).SetString("1000000000000000000", 10)
	return ether
}

func testAsset() types.Collateral {
	return types.Collateral{Contract: contract, TokenID: big.NewInt(7)}
}

type clock struct {
	now int64
}

func (c *clock) fn() func() int64 { return func() int64 { return c.now } }

type hubFixture struct {
	hub    *Hub
	store  *storage.Store
	pauses *config.PauseSet
	clock  *clock
}

func newFixture(t *testing.T) *hubFixture {
	t.Helper()
	store := storage.NewStore(storage.NewMemDB())

	lists, err := config.NewAllowLists(nil)
	require.NoError(t, err)
	lists.AddCurrency(testCurrency)
	lists.AddCollection(contract)
	pauses := config.NewPauseSet(nil)

	hub, err := NewHub(HubConfig{
		Store:       store,
		AllowLists:  lists,
		Pauses:      pauses,
		FeeTreasury: treasury,
		EscrowVault: escrowVault,
		BidVault:    bidVault,
		MaxFeeBps:   1_000,
	})
	require.NoError(t, err)

	clk := &clock{now: 1_000}
	hub.SetNowFunc(clk.fn())

	require.NoError(t, store.RegisterNFT(testAsset(), borrower))
	return &hubFixture{hub: hub, store: store, pauses: pauses, clock: clk}
}

func (f *hubFixture) fund(t *testing.T, addr [20]byte, amount *big.Int) {
	t.Helper()
	account, err := f.store.GetAccount(addr)
	require.NoError(t, err)
	account.Credit(testCurrency, amount)
	require.NoError(t, f.store.PutAccount(addr, account))
}

func (f *hubFixture) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	account, err := f.store.GetAccount(addr)
	require.NoError(t, err)
	return account.Balance(testCurrency)
}

func (f *hubFixture) openLoan(t *testing.T, feeBps uint64) [32]byte {
	t.Helper()
	f.fund(t, lender, oneEther())
	offer, err := f.hub.MakeOffer(offers.Params{
		Lender:     lender,
		Kind:       offers.OfferStandard,
		Collateral: testAsset(),
		Currency:   testCurrency,
		Principal:  oneEther(),
		APRBps:     500,
		Duration:   week,
		Expiry:     f.clock.now + 3_600,
		FeeBps:     feeBps,
	})
	require.NoError(t, err)
	loanID, err := f.hub.AcceptOffer(offer.ID, borrower, testAsset(), nil)
	require.NoError(t, err)
	return loanID
}

func TestHubOpenAndRepayFlow(t *testing.T) {
	f := newFixture(t)
	loanID := f.openLoan(t, 100)

	// Collateral sits in the escrow vault while the loan is active.
	owner, err := f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, escrowVault, owner)

	fee := new(big.Int).Div(oneEther(), big.NewInt(100))
	require.Zero(t, f.balance(t, treasury).Cmp(fee))

	f.clock.now += week / 2
	interest, err := f.hub.CalculateInterest(loanID)
	require.NoError(t, err)
	require.Positive(t, interest.Sign())

	repayable, err := f.hub.IsRepayable(loanID)
	require.NoError(t, err)
	require.True(t, repayable)

	f.fund(t, borrower, new(big.Int).Add(fee, interest))
	require.NoError(t, f.hub.Repay(loanID, borrower))

	loan, err := f.hub.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, lending.LoanRepaid, loan.Status)

	owner, err = f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, borrower, owner)

	want := new(big.Int).Add(oneEther(), interest)
	require.Zero(t, f.balance(t, lender).Cmp(want))
}

func TestHubLiquidationFlow(t *testing.T) {
	f := newFixture(t)
	loanID := f.openLoan(t, 0)

	// Liquidation is rejected while the loan is current.
	_, err := f.hub.StartLiquidation(loanID, big.NewInt(100), 3_600, nil)
	require.Error(t, err)

	f.clock.now += week + 1
	auctionID, err := f.hub.StartLiquidation(loanID, big.NewInt(100), 3_600, nil)
	require.NoError(t, err)

	loan, err := f.hub.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, lending.LoanDefaulted, loan.Status)

	f.fund(t, bidder, big.NewInt(1_000))
	require.NoError(t, f.hub.PlaceBid(auctionID, bidder, big.NewInt(250)))

	// Settlement is meaningless while bidding is open.
	require.ErrorIs(t, f.hub.SettleAuction(auctionID), errAuctionStillOpen)

	f.clock.now += 3_600
	require.NoError(t, f.hub.EndAuction(auctionID))
	require.NoError(t, f.hub.SettleAuction(auctionID))

	loan, err = f.hub.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, lending.LoanLiquidated, loan.Status)

	owner, err := f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, bidder, owner)

	// Sole claimant (the lender) receives the full winning bid.
	require.Zero(t, f.balance(t, lender).Cmp(big.NewInt(250)))

	state, err := f.hub.GetAuction(auctionID)
	require.NoError(t, err)
	require.Equal(t, auction.AuctionSettled, state.Status)
}

func TestHubClaimStandsDownDuringAuction(t *testing.T) {
	f := newFixture(t)
	loanID := f.openLoan(t, 0)

	f.clock.now += week + 1
	auctionID, err := f.hub.StartLiquidation(loanID, big.NewInt(100), 3_600, nil)
	require.NoError(t, err)
	f.fund(t, bidder, big.NewInt(1_000))
	require.NoError(t, f.hub.PlaceBid(auctionID, bidder, big.NewInt(250)))

	// The lender cannot pull the collateral out from under the live auction;
	// that would strand the highest bid in the vault with no refund path.
	require.Error(t, f.hub.ClaimCollateral(loanID, lender))
	owner, err := f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, escrowVault, owner)

	// Settlement still completes normally afterwards.
	f.clock.now += 3_600
	require.NoError(t, f.hub.EndAuction(auctionID))
	require.Error(t, f.hub.ClaimCollateral(loanID, lender)) // still unsettled
	require.NoError(t, f.hub.SettleAuction(auctionID))

	owner, err = f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, bidder, owner)
	require.Zero(t, f.balance(t, lender).Cmp(big.NewInt(250)))
	require.Zero(t, f.balance(t, bidder).Cmp(big.NewInt(750)))
}

func TestHubClaimStandsDownDuringBuyout(t *testing.T) {
	f := newFixture(t)
	loanID := f.openLoan(t, 0)
	claimant := testAddr(6)

	f.clock.now += week + 1
	require.NoError(t, f.hub.InitiateBuyout(loanID, claimant, big.NewInt(400), f.clock.now+3_600, nil))
	require.Error(t, f.hub.ClaimCollateral(loanID, lender))

	f.fund(t, claimant, big.NewInt(400))
	require.NoError(t, f.hub.ExecuteBuyout(loanID, claimant))
	owner, err := f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, claimant, owner)
}

func TestHubRefinanceFlow(t *testing.T) {
	f := newFixture(t)
	loanID := f.openLoan(t, 0)

	f.clock.now += week / 2
	interest, err := f.hub.CalculateInterest(loanID)
	require.NoError(t, err)
	payoff := new(big.Int).Add(oneEther(), interest)

	f.fund(t, refinancer, payoff)
	newID, err := f.hub.Refinance(loanID, refinancer, oneEther(), 300, week, 0)
	require.NoError(t, err)

	oldLoan, err := f.hub.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, lending.LoanRefinanced, oldLoan.Status)
	require.Zero(t, f.balance(t, lender).Cmp(payoff))

	newLoan, err := f.hub.GetLoan(newID)
	require.NoError(t, err)
	require.Equal(t, lending.LoanActive, newLoan.Status)
	require.Equal(t, refinancer, newLoan.Lender)

	// Collateral never left the vault across the refinance.
	owner, err := f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, escrowVault, owner)

	// The new lender can resolve the new loan; the old loan is closed.
	require.Error(t, f.hub.Repay(loanID, borrower))
}

func TestHubBuyoutFlow(t *testing.T) {
	f := newFixture(t)
	loanID := f.openLoan(t, 0)
	claimant := testAddr(6)

	f.clock.now += week + 1
	require.NoError(t, f.hub.InitiateBuyout(loanID, claimant, big.NewInt(400), f.clock.now+3_600, nil))

	f.fund(t, claimant, big.NewInt(400))
	require.NoError(t, f.hub.ExecuteBuyout(loanID, claimant))

	loan, err := f.hub.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, lending.LoanLiquidated, loan.Status)

	owner, err := f.store.NFTOwner(testAsset())
	require.NoError(t, err)
	require.Equal(t, claimant, owner)
	require.Zero(t, f.balance(t, lender).Cmp(big.NewInt(400)))
}

func TestHubRoyaltyBackedRepayment(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	lists, err := config.NewAllowLists(nil)
	require.NoError(t, err)
	lists.AddCurrency(testCurrency)
	lists.AddCollection(contract)

	registry := royalty.NewMemoryRegistry()
	registry.Register(contract, big.NewInt(7), "ip-asset-7")
	source := royalty.NewMemorySource()
	half := new(big.Int).Div(oneEther(), big.NewInt(2))
	require.NoError(t, source.Accrue("ip-asset-7", testCurrency, half))

	hub, err := NewHub(HubConfig{
		Store:           store,
		AllowLists:      lists,
		Pauses:          config.NewPauseSet(nil),
		FeeTreasury:     treasury,
		EscrowVault:     escrowVault,
		BidVault:        bidVault,
		RoyaltySource:   source,
		RoyaltyRegistry: registry,
	})
	require.NoError(t, err)
	clk := &clock{now: 1_000}
	hub.SetNowFunc(clk.fn())
	require.NoError(t, store.RegisterNFT(testAsset(), borrower))

	f := &hubFixture{hub: hub, store: store, clock: clk}
	loanID := f.openLoan(t, 0)

	loan, err := hub.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, "ip-asset-7", loan.ExternalAssetID)

	// No time has passed, so the debt is exactly one ether: half covered by
	// royalties, half pulled from the borrower's disbursed principal.
	applied, err := hub.ClaimAndRepay(loanID, borrower)
	require.NoError(t, err)
	require.Zero(t, applied.Cmp(half))

	require.Zero(t, f.balance(t, lender).Cmp(oneEther()))
	require.Zero(t, f.balance(t, borrower).Cmp(half))
}

func TestHubFeeCapFromConfig(t *testing.T) {
	f := newFixture(t)
	params := offers.Params{
		Lender:     lender,
		Kind:       offers.OfferStandard,
		Collateral: testAsset(),
		Currency:   testCurrency,
		Principal:  oneEther(),
		APRBps:     500,
		Duration:   week,
		Expiry:     f.clock.now + 3_600,
		FeeBps:     1_001,
	}
	_, err := f.hub.MakeOffer(params)
	require.Error(t, err)

	params.FeeBps = 1_000
	_, err = f.hub.MakeOffer(params)
	require.NoError(t, err)
}

func TestHubPauseBlocksMutations(t *testing.T) {
	f := newFixture(t)
	f.pauses.Pause("offers")
	_, err := f.hub.MakeOffer(offers.Params{
		Lender:     lender,
		Kind:       offers.OfferStandard,
		Collateral: testAsset(),
		Currency:   testCurrency,
		Principal:  oneEther(),
		APRBps:     500,
		Duration:   week,
		Expiry:     f.clock.now + 3_600,
	})
	require.Error(t, err)

	f.pauses.Resume("offers")
	_, err = f.hub.MakeOffer(offers.Params{
		Lender:     lender,
		Kind:       offers.OfferStandard,
		Collateral: testAsset(),
		Currency:   testCurrency,
		Principal:  oneEther(),
		APRBps:     500,
		Duration:   week,
		Expiry:     f.clock.now + 3_600,
	})
	require.NoError(t, err)
}
