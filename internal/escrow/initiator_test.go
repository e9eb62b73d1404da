package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramarket/agora/internal/chain"
	"github.com/agoramarket/agora/internal/ledger"
	"github.com/agoramarket/agora/internal/listings"
)

func newInitiator(t *testing.T, store ledger.Store, gw *fakeGateway) (*Initiator, listings.Store) {
	t.Helper()
	ls := listings.NewMemoryStore()
	r := NewResolver(store, gw, testContract, 50, testLogger())
	i := NewInitiator(store, ls, gw, r, testContract, 84532, "base-sepolia", "0.05", testLogger())
	return i, ls
}

func seedListing(t *testing.T, ls listings.Store) *listings.Listing {
	t.Helper()
	l := &listings.Listing{
		ID:             "lst_1",
		SellerID:       "seller-1",
		SellerWallet:   testSellerWallet,
		Title:          "vintage synth",
		Price:          "4800",
		PriceCurrency:  "USD",
		CryptoAmount:   "1.5",
		CryptoCurrency: "ETH",
		ChainID:        84532,
		Active:         true,
	}
	require.NoError(t, ls.Create(ctxb(), l))
	return l
}

func creationEvent(id int64, amount string) *chain.CreationEvent {
	return &chain.CreationEvent{
		Event:  chain.EventTransactionCreated,
		TxnID:  big.NewInt(id),
		Buyer:  testSignerAddr,
		Seller: addr(testSellerWallet),
		Amount: mustWei(amount),
	}
}

func TestInitiateHappyPath(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.event = creationEvent(9, "1.5")
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{
		ListingID:   "lst_1",
		BuyerID:     "buyer-1",
		BuyerWallet: testSignerAddr.Hex(),
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusProcessing, tx.Status)
	assert.Equal(t, ledger.EscrowFundsSecured, tx.EscrowStatus)
	assert.True(t, tx.FundsSecured)
	assert.NotNil(t, tx.FundsSecuredAt)
	assert.Equal(t, "9", tx.BlockchainTxnID)
	assert.Equal(t, gw.submitHash.Hex(), tx.TransactionHash)
	assert.Equal(t, "1.5", tx.Amount)
	assert.Equal(t, "0.075", tx.CommissionAmount)
	assert.Equal(t, "seller-1", tx.SellerID)
	assert.Equal(t, testContract.Hex(), tx.SmartContractAddress)

	require.Len(t, gw.submitted, 1)
	call := gw.submitted[0]
	assert.Equal(t, "createTransaction", call.Method)
	assert.Equal(t, mustWei("1.5"), call.Value)
	require.Len(t, call.Args, 2)
	assert.Equal(t, addr(testSellerWallet), call.Args[0].(common.Address))
	assert.Equal(t, mustWei("0.075"), call.Args[1].(*big.Int))
}

func TestInitiateListingChecks(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	i, ls := newInitiator(t, store, gw)

	_, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_missing", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrListingNotPayable)

	l := seedListing(t, ls)
	require.NoError(t, ls.Deactivate(ctxb(), l.ID))
	_, err = i.Initiate(ctxb(), InitiateRequest{ListingID: l.ID, BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrListingNotPayable)
	assert.Empty(t, gw.submitted)
}

// The custodial signer funds every escrow, so the on-chain buyer is always
// the signer address. A different client-supplied wallet would persist a row
// whose buyer never matches the creation event, leaving lost-linkage recovery
// permanently unresolvable. Reject it before any chain traffic.
func TestInitiateWalletMismatchRejected(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.event = creationEvent(9, "1.5")
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{
		ListingID:   "lst_1",
		BuyerID:     "buyer-1",
		BuyerWallet: "0x9999999999999999999999999999999999999999",
	})
	assert.ErrorIs(t, err, ErrWalletMismatch)
	assert.Nil(t, tx)
	assert.Zero(t, gw.chainCalls)
	assert.Empty(t, gw.submitted)
}

// An omitted wallet defaults to the signer; the stored wallet is always the
// signer's canonical form.
func TestInitiateWalletDefaultsToSigner(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.event = creationEvent(9, "1.5")
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{
		ListingID: "lst_1",
		BuyerID:   "buyer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, testSignerAddr.Hex(), tx.BuyerWallet)
}

func TestInitiateNoSigner(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.signer = false
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	_, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrWalletNotConnected)
	assert.Zero(t, gw.chainCalls)
}

func TestInitiateInsufficientBalance(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.balance = mustWei("0.1")
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	_, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, gw.submitted)
}

// Gas estimation failures and wallet rejections are different outcomes and
// must stay distinguishable after translation.
func TestInitiateSubmitFailureKinds(t *testing.T) {
	t.Run("estimation", func(t *testing.T) {
		store := ledger.NewMemoryStore()
		gw := newFakeGateway()
		gw.submitErr = chain.ErrGasEstimation
		i, ls := newInitiator(t, store, gw)
		seedListing(t, ls)

		tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
		assert.ErrorIs(t, err, ErrGasEstimationFailed)
		assert.False(t, errors.Is(err, ErrSubmissionRejected))
		assert.Equal(t, ledger.StatusFailed, tx.Status)
	})

	t.Run("user rejection", func(t *testing.T) {
		store := ledger.NewMemoryStore()
		gw := newFakeGateway()
		gw.submitErr = &chain.CallError{Op: "send", Err: errors.Join(chain.ErrSubmission, errors.New("user rejected the request"))}
		i, ls := newInitiator(t, store, gw)
		seedListing(t, ls)

		tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
		assert.ErrorIs(t, err, ErrSubmissionRejected)
		assert.False(t, errors.Is(err, ErrGasEstimationFailed))
		assert.Equal(t, ledger.StatusFailed, tx.Status)
	})
}

// A receipt timeout leaves the row pending with its hash so the resolver and
// the reconciler can finish the job later.
func TestInitiateTimeoutLeavesPendingWithHash(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.waitErr = chain.ErrReceiptTimeout
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrSubmittedNotConfirmed)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, gw.submitHash.Hex(), tx.TransactionHash)
	assert.False(t, tx.FundsSecured)
}

func TestInitiateRevertMarksFailed(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.waitErr = chain.ErrExecutionReverted
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	require.Error(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.False(t, tx.FundsSecured)
}

// The emitted amount is the ground truth. On a mismatch the transaction is
// parked, not secured and not failed, for manual review.
func TestInitiateAmountMismatch(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.event = creationEvent(9, "1.4")
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.False(t, tx.FundsSecured)

	stored, getErr := store.Get(ctxb(), tx.ID)
	require.NoError(t, getErr)
	assert.False(t, stored.FundsSecured)
	assert.Empty(t, stored.BlockchainTxnID)
}

func TestInitiateNoCreationEventStaysPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.parseErr = chain.ErrNoCreationLog
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrSubmittedNotConfirmed)
	assert.Equal(t, ledger.StatusPending, tx.Status)
}

func TestInitiateNetworkSwitchFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	gw.networkErr = chain.ErrNetworkSwitch
	i, ls := newInitiator(t, store, gw)
	seedListing(t, ls)

	tx, err := i.Initiate(ctxb(), InitiateRequest{ListingID: "lst_1", BuyerID: "b", BuyerWallet: testSignerAddr.Hex()})
	assert.ErrorIs(t, err, ErrNetworkSwitchFailed)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Empty(t, gw.submitted)
}
