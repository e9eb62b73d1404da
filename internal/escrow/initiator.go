package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agoramarket/agora/internal/chain"
	"github.com/agoramarket/agora/internal/ledger"
	"github.com/agoramarket/agora/internal/listings"
	"github.com/agoramarket/agora/internal/metrics"
	"github.com/agoramarket/agora/internal/traces"
)

// InitiateRequest asks the core to fund escrow for a listing.
type InitiateRequest struct {
	ListingID   string
	BuyerID     string
	BuyerWallet string
}

// Initiator drives the funding workflow: it creates the ledger record, calls
// the contract's payable create, waits for confirmation, and marks funds
// secured only after verifying the emitted amount.
//
// Ordering is deliberate. The ledger row is created before submission so a
// crash mid-flight leaves a pending row pointing at a hash, which the
// resolver and the reconciliation timer can pick up later. Funds are never
// marked secured from optimism; only a confirmed receipt with a matching
// creation event does that.
type Initiator struct {
	store          ledger.Store
	listings       listings.Store
	gateway        Gateway
	resolver       *Resolver
	contract       common.Address
	chainID        int64
	network        string
	commissionRate string
	logger         *slog.Logger
}

func NewInitiator(store ledger.Store, listingStore listings.Store, gateway Gateway, resolver *Resolver,
	contract common.Address, chainID int64, network, commissionRate string, logger *slog.Logger) *Initiator {
	return &Initiator{
		store:          store,
		listings:       listingStore,
		gateway:        gateway,
		resolver:       resolver,
		contract:       contract,
		chainID:        chainID,
		network:        network,
		commissionRate: commissionRate,
		logger:         logger,
	}
}

// Initiate funds escrow for a listing and returns the resulting transaction.
//
// The returned transaction is meaningful even on error: a non-nil transaction
// with a hash and pending status means the chain may still confirm, and the
// reconciliation path owns it from there.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Initiate")
	defer span.End()

	listing, err := i.listings.Get(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, listings.ErrListingNotFound) {
			return nil, fail("initiate", "listing", "", fmt.Errorf("%w: %v", ErrListingNotPayable, err))
		}
		return nil, fail("initiate", "listing", "", err)
	}
	if !listing.Active || listing.SellerWallet == "" || listing.CryptoAmount == "" {
		return nil, fail("initiate", "listing", "", ErrListingNotPayable)
	}
	if !i.gateway.CanSign() {
		return nil, fail("initiate", "signer", "", ErrWalletNotConnected)
	}

	// The custodial key signs the funding call, so the buyer recorded on-chain
	// is always the signer address. Persisting any other wallet would leave a
	// row the resolver can never match against its own creation event. An
	// empty wallet defaults to the signer; anything else must equal it.
	buyerWallet := i.gateway.Address()
	if req.BuyerWallet != "" && common.HexToAddress(req.BuyerWallet) != buyerWallet {
		return nil, fail("initiate", "wallet", "", fmt.Errorf("%w: got %s, signer is %s",
			ErrWalletMismatch, req.BuyerWallet, buyerWallet.Hex()))
	}

	amount, err := chain.ParseEther(listing.CryptoAmount)
	if err != nil {
		return nil, fail("initiate", "amount", "", fmt.Errorf("%w: bad listing amount: %v", ErrListingNotPayable, err))
	}
	commission, err := chain.ApplyRate(amount, i.commissionRate)
	if err != nil {
		return nil, fail("initiate", "commission", "", err)
	}

	balance, err := i.gateway.NativeBalance(ctx, i.gateway.Address())
	if err != nil {
		return nil, fail("initiate", "balance", "", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, fail("initiate", "balance", "", fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance, chain.FormatEther(balance), chain.FormatEther(amount)))
	}

	now := time.Now().UTC()
	tx := &ledger.Transaction{
		ID:                   ledger.NewID(),
		ListingID:            listing.ID,
		BuyerID:              req.BuyerID,
		SellerID:             listing.SellerID,
		BuyerWallet:          buyerWallet.Hex(),
		SellerWallet:         listing.SellerWallet,
		Amount:               listing.CryptoAmount,
		CommissionAmount:     chain.FormatEther(commission),
		TokenSymbol:          listing.CryptoCurrency,
		ChainID:              i.chainID,
		Network:              i.network,
		SmartContractAddress: i.contract.Hex(),
		Status:               ledger.StatusPending,
		EscrowStatus:         ledger.EscrowPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := i.store.Create(ctx, tx); err != nil {
		return nil, fail("initiate", "ledger_create", "", err)
	}
	span.SetAttributes(traces.TransactionID(tx.ID))
	log := i.logger.With("transaction_id", tx.ID, "listing_id", listing.ID)

	if err := i.gateway.EnsureNetwork(ctx, i.chainID); err != nil {
		return i.markFailed(ctx, tx, "network", err)
	}

	hash, err := i.gateway.Submit(ctx, chain.Call{
		Contract: i.contract,
		Method:   "createTransaction",
		Args:     []interface{}{common.HexToAddress(listing.SellerWallet), commission},
		Value:    amount,
	})
	if err != nil {
		return i.markFailed(ctx, tx, "submit", err)
	}
	log.Info("escrow funding submitted", "tx_hash", hash.Hex())

	// Record the hash before waiting. If we crash past this point the row
	// still carries everything the resolver needs.
	hashStr := hash.Hex()
	tx, err = i.store.UpdateIfStatus(ctx, tx.ID, ledger.StatusPending, ledger.Patch{
		TransactionHash: &hashStr,
	})
	if err != nil {
		return nil, fail("initiate", "ledger_hash", tx.ID, err)
	}

	receipt, err := i.gateway.WaitForReceipt(ctx, hash)
	if errors.Is(err, chain.ErrReceiptTimeout) {
		metrics.WorkflowsTotal.WithLabelValues("initiate", "unconfirmed").Inc()
		log.Warn("funding unconfirmed, leaving pending for reconciliation", "tx_hash", hashStr)
		return tx, fail("initiate", "confirm", tx.ID, err)
	}
	if errors.Is(err, chain.ErrExecutionReverted) {
		return i.markFailed(ctx, tx, "confirm", err)
	}
	if err != nil {
		return tx, fail("initiate", "confirm", tx.ID, err)
	}

	event, err := i.gateway.ParseCreation(receipt, i.contract)
	if err != nil {
		// Confirmed but no decodable event. The resolver's scan can still
		// recover the id, so the row stays pending rather than failed.
		metrics.WorkflowsTotal.WithLabelValues("initiate", "unconfirmed").Inc()
		log.Error("confirmed funding receipt has no creation event", "tx_hash", hashStr, "error", err)
		return tx, fail("initiate", "event", tx.ID, fmt.Errorf("%w: %v", ErrSubmittedNotConfirmed, err))
	}
	if event.Amount == nil || event.Amount.Cmp(amount) != 0 {
		metrics.WorkflowsTotal.WithLabelValues("initiate", "amount_mismatch").Inc()
		log.Error("on-chain amount differs from listing amount",
			"expected", chain.FormatEther(amount), "got", chain.FormatEther(event.Amount))
		return tx, fail("initiate", "verify", tx.ID, fmt.Errorf("%w: expected %s, chain reports %s",
			ErrAmountMismatch, chain.FormatEther(amount), chain.FormatEther(event.Amount)))
	}

	i.resolver.Observe(tx.ID, event.TxnID)
	escrowID := event.TxnID.String()
	securedAt := time.Now().UTC()
	updated, err := i.store.UpdateIfStatus(ctx, tx.ID, ledger.StatusPending, ledger.Patch{
		Status:          ledger.StatusPtr(ledger.StatusProcessing),
		EscrowStatus:    ledger.EscrowPtr(ledger.EscrowFundsSecured),
		BlockchainTxnID: &escrowID,
		FundsSecured:    ledger.BoolPtr(true),
		FundsSecuredAt:  &securedAt,
	})
	if err != nil {
		return tx, fail("initiate", "ledger_secure", tx.ID, err)
	}

	metrics.WorkflowsTotal.WithLabelValues("initiate", "ok").Inc()
	log.Info("escrow funded", "blockchain_txn_id", escrowID, "amount", tx.Amount)
	return updated, nil
}

// markFailed writes a terminal failed status for a transaction that never
// reached the chain (or provably reverted), then returns the translated error.
func (i *Initiator) markFailed(ctx context.Context, tx *ledger.Transaction, step string, cause error) (*ledger.Transaction, error) {
	metrics.WorkflowsTotal.WithLabelValues("initiate", "failed").Inc()
	failed, err := i.store.UpdateIfStatus(ctx, tx.ID, ledger.StatusPending, ledger.Patch{
		Status: ledger.StatusPtr(ledger.StatusFailed),
	})
	if err != nil {
		i.logger.Error("could not mark transaction failed",
			"transaction_id", tx.ID, "step", step, "error", err)
		failed = tx
	}
	return failed, fail("initiate", step, tx.ID, cause)
}
