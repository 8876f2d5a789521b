package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"nftlend/core/types"
	"nftlend/native/auction"
	"nftlend/native/collateral"
	"nftlend/native/lending"
	"nftlend/native/offers"
)

const (
	prefixOffer       = "offer/"
	prefixLoan        = "loan/"
	prefixProposal    = "proposal/"
	prefixListing     = "listing/"
	prefixListingLoan = "listing-loan/"
	prefixAuction     = "auction/"
	prefixAuctionLoan = "auction-loan/"
	prefixBuyout      = "buyout/"
	prefixLock        = "lock/"
	prefixAccount     = "account/"
	prefixNFT         = "nft/"

	keyOfferNonce   = "nonce/offer"
	keyLoanNonce    = "nonce/loan"
	keyAuctionNonce = "nonce/auction"
)

var (
	errNFTUnknown  = errors.New("storage: nft not registered")
	errNFTNotOwner = errors.New("storage: transfer from non-owner")
)

// Store is the persistence layer behind every engine: a thin JSON codec over
// a key-value Database plus the NFT ownership registry the escrow ledger
// moves assets through.
type Store struct {
	db Database

	nonceMu sync.Mutex
	nftMu   sync.Mutex
}

// NewStore wraps a Database.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

func (s *Store) putJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.db.Put([]byte(key), raw)
}

func (s *Store) getJSON(key string, out any) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) nextNonce(key string) (uint64, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	var next uint64 = 1
	raw, err := s.db.Get([]byte(key))
	switch {
	case err == nil:
		if len(raw) == 8 {
			next = binary.BigEndian.Uint64(raw) + 1
		}
	case errors.Is(err, ErrNotFound):
	default:
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Put([]byte(key), buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func idKey(prefix string, id [32]byte) string {
	return prefix + hex.EncodeToString(id[:])
}

func addrKey(prefix string, addr [20]byte) string {
	return prefix + hex.EncodeToString(addr[:])
}

// --- offers ---

func (s *Store) OfferPut(offer *offers.Offer) error {
	if offer == nil {
		return fmt.Errorf("storage: nil offer")
	}
	return s.putJSON(idKey(prefixOffer, offer.ID), offer)
}

func (s *Store) OfferGet(id [32]byte) (*offers.Offer, bool) {
	var offer offers.Offer
	ok, err := s.getJSON(idKey(prefixOffer, id), &offer)
	if err != nil || !ok {
		return nil, false
	}
	return &offer, true
}

func (s *Store) NextOfferNonce() (uint64, error) {
	return s.nextNonce(keyOfferNonce)
}

// --- loans ---

func (s *Store) LoanPut(loan *lending.Loan) error {
	if loan == nil {
		return fmt.Errorf("storage: nil loan")
	}
	return s.putJSON(idKey(prefixLoan, loan.ID), loan)
}

func (s *Store) LoanGet(id [32]byte) (*lending.Loan, bool) {
	var loan lending.Loan
	ok, err := s.getJSON(idKey(prefixLoan, id), &loan)
	if err != nil || !ok {
		return nil, false
	}
	return &loan, true
}

func (s *Store) NextLoanNonce() (uint64, error) {
	return s.nextNonce(keyLoanNonce)
}

func (s *Store) ProposalPut(proposal *lending.RenegotiationProposal) error {
	if proposal == nil || proposal.ID == "" {
		return fmt.Errorf("storage: nil or unkeyed proposal")
	}
	return s.putJSON(prefixProposal+proposal.ID, proposal)
}

func (s *Store) ProposalGet(id string) (*lending.RenegotiationProposal, bool) {
	var proposal lending.RenegotiationProposal
	ok, err := s.getJSON(prefixProposal+id, &proposal)
	if err != nil || !ok {
		return nil, false
	}
	return &proposal, true
}

// ListingPut stores the listing and maintains the loan-to-listing index so at
// most one active listing exists per loan.
func (s *Store) ListingPut(listing *lending.SaleListing) error {
	if listing == nil {
		return fmt.Errorf("storage: nil listing")
	}
	if err := s.putJSON(idKey(prefixListing, listing.ID), listing); err != nil {
		return err
	}
	loanKey := idKey(prefixListingLoan, listing.LoanID)
	if listing.Active {
		return s.db.Put([]byte(loanKey), listing.ID[:])
	}
	return s.db.Delete([]byte(loanKey))
}

func (s *Store) ListingGet(id [32]byte) (*lending.SaleListing, bool) {
	var listing lending.SaleListing
	ok, err := s.getJSON(idKey(prefixListing, id), &listing)
	if err != nil || !ok {
		return nil, false
	}
	return &listing, true
}

func (s *Store) ListingIDByLoan(loanID [32]byte) ([32]byte, bool) {
	raw, err := s.db.Get([]byte(idKey(prefixListingLoan, loanID)))
	if err != nil || len(raw) != 32 {
		return [32]byte{}, false
	}
	var id [32]byte
	copy(id[:], raw)
	return id, true
}

// --- auctions ---

// AuctionPut stores the auction and keeps the loan-to-auction index pointing
// at the most recent auction for the loan.
func (s *Store) AuctionPut(a *auction.Auction) error {
	if a == nil {
		return fmt.Errorf("storage: nil auction")
	}
	if err := s.putJSON(idKey(prefixAuction, a.ID), a); err != nil {
		return err
	}
	return s.db.Put([]byte(idKey(prefixAuctionLoan, a.LoanID)), a.ID[:])
}

func (s *Store) AuctionGet(id [32]byte) (*auction.Auction, bool) {
	var a auction.Auction
	ok, err := s.getJSON(idKey(prefixAuction, id), &a)
	if err != nil || !ok {
		return nil, false
	}
	return &a, true
}

func (s *Store) AuctionIDByLoan(loanID [32]byte) ([32]byte, bool) {
	raw, err := s.db.Get([]byte(idKey(prefixAuctionLoan, loanID)))
	if err != nil || len(raw) != 32 {
		return [32]byte{}, false
	}
	var id [32]byte
	copy(id[:], raw)
	return id, true
}

func (s *Store) NextAuctionNonce() (uint64, error) {
	return s.nextNonce(keyAuctionNonce)
}

func (s *Store) BuyoutPut(b *auction.Buyout) error {
	if b == nil {
		return fmt.Errorf("storage: nil buyout")
	}
	return s.putJSON(idKey(prefixBuyout, b.LoanID), b)
}

func (s *Store) BuyoutGet(loanID [32]byte) (*auction.Buyout, bool) {
	var b auction.Buyout
	ok, err := s.getJSON(idKey(prefixBuyout, loanID), &b)
	if err != nil || !ok {
		return nil, false
	}
	return &b, true
}

// --- escrow locks ---

func (s *Store) LockPut(record *collateral.LockRecord) error {
	if record == nil {
		return fmt.Errorf("storage: nil lock record")
	}
	return s.putJSON(prefixLock+record.Asset.Key(), record)
}

func (s *Store) LockGet(assetKey string) (*collateral.LockRecord, bool) {
	var record collateral.LockRecord
	ok, err := s.getJSON(prefixLock+assetKey, &record)
	if err != nil || !ok {
		return nil, false
	}
	return &record, true
}

func (s *Store) LockDelete(assetKey string) error {
	return s.db.Delete([]byte(prefixLock + assetKey))
}

// --- accounts ---

func (s *Store) GetAccount(addr [20]byte) (*types.Account, error) {
	var account types.Account
	ok, err := s.getJSON(addrKey(prefixAccount, addr), &account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	if account.Balances == nil {
		account.Balances = make(map[string]*big.Int)
	}
	return &account, nil
}

func (s *Store) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("storage: nil account")
	}
	return s.putJSON(addrKey(prefixAccount, addr), account)
}

// --- nft ownership registry ---

// RegisterNFT seeds ownership of an asset. Used at genesis and in tests; a
// production deployment mirrors ownership from the chain bridge.
func (s *Store) RegisterNFT(asset types.Collateral, owner [20]byte) error {
	s.nftMu.Lock()
	defer s.nftMu.Unlock()
	return s.db.Put([]byte(prefixNFT+asset.Key()), owner[:])
}

func (s *Store) NFTOwner(asset types.Collateral) ([20]byte, error) {
	raw, err := s.db.Get([]byte(prefixNFT + asset.Key()))
	if errors.Is(err, ErrNotFound) {
		return [20]byte{}, errNFTUnknown
	}
	if err != nil {
		return [20]byte{}, err
	}
	if len(raw) != 20 {
		return [20]byte{}, fmt.Errorf("storage: malformed nft owner record")
	}
	var owner [20]byte
	copy(owner[:], raw)
	return owner, nil
}

func (s *Store) NFTTransfer(asset types.Collateral, from, to [20]byte) error {
	s.nftMu.Lock()
	defer s.nftMu.Unlock()
	owner, err := s.NFTOwner(asset)
	if err != nil {
		return err
	}
	if owner != from {
		return errNFTNotOwner
	}
	return s.db.Put([]byte(prefixNFT+asset.Key()), to[:])
}
