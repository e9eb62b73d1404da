package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agoramarket/agora/internal/chain"
	"github.com/agoramarket/agora/internal/ledger"
	"github.com/agoramarket/agora/internal/metrics"
)

// Gateway is the slice of the chain gateway the settlement core needs. It is
// defined here, on the consumer side, so workflows can be tested against a
// fake without touching an RPC endpoint.
type Gateway interface {
	CanSign() bool
	Address() common.Address
	EnsureNetwork(ctx context.Context, expectedChainID int64) error
	Submit(ctx context.Context, call chain.Call) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
	Receipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetRecord(ctx context.Context, contract common.Address, txnID *big.Int) (*chain.OnChainRecord, error)
	TransactionCount(ctx context.Context, contract common.Address) (*big.Int, error)
	ParseCreation(receipt *chain.Receipt, contract common.Address) (*chain.CreationEvent, error)
}

var _ Gateway = (*chain.Gateway)(nil)

// DefaultScanDepth bounds the backward counter scan. Fifty recent slots is
// far more history than any stuck transaction realistically needs; anything
// older goes to manual reconciliation.
const DefaultScanDepth = 50

// Resolver recovers the numeric on-chain escrow id for a ledger transaction.
// Strategies run cheapest first: the stored ledger value, then the submission
// receipt's creation event, then a bounded backward scan over the contract's
// transaction counter. The ledger value, once present, always wins; the
// in-process session cache is only a hint consulted before the expensive
// scan, and it is discarded whenever it disagrees with either durable source.
type Resolver struct {
	store     ledger.Store
	gateway   Gateway
	contract  common.Address
	scanDepth int
	logger    *slog.Logger

	// session maps ledger transaction id to an escrow id string observed
	// earlier in this process. Never authoritative.
	session sync.Map
}

func NewResolver(store ledger.Store, gateway Gateway, contract common.Address, scanDepth int, logger *slog.Logger) *Resolver {
	if scanDepth <= 0 {
		scanDepth = DefaultScanDepth
	}
	return &Resolver{
		store:     store,
		gateway:   gateway,
		contract:  contract,
		scanDepth: scanDepth,
		logger:    logger,
	}
}

// Resolve returns the on-chain escrow id for tx, persisting it to the ledger
// when a non-stored strategy found it. Returns ErrIdentifierNotFound when all
// strategies are exhausted.
func (r *Resolver) Resolve(ctx context.Context, tx *ledger.Transaction) (*big.Int, error) {
	if tx.BlockchainTxnID != "" {
		id, ok := new(big.Int).SetString(tx.BlockchainTxnID, 10)
		if !ok {
			r.logger.Error("stored escrow id is not numeric",
				"transaction_id", tx.ID, "blockchain_txn_id", tx.BlockchainTxnID)
			return nil, ErrIdentifierNotFound
		}
		metrics.ResolverOutcomes.WithLabelValues("stored").Inc()
		return id, nil
	}

	if id := r.fromReceipt(ctx, tx); id != nil {
		metrics.ResolverOutcomes.WithLabelValues("receipt").Inc()
		return r.persist(ctx, tx, id)
	}

	if id := r.fromSession(ctx, tx); id != nil {
		metrics.ResolverOutcomes.WithLabelValues("session").Inc()
		return r.persist(ctx, tx, id)
	}

	if id := r.fromScan(ctx, tx); id != nil {
		metrics.ResolverOutcomes.WithLabelValues("scan").Inc()
		return r.persist(ctx, tx, id)
	}

	metrics.ResolverOutcomes.WithLabelValues("not_found").Inc()
	return nil, ErrIdentifierNotFound
}

// Observe records an escrow id seen in passing (e.g. during initiation) so a
// later Resolve in the same process can skip the scan if the ledger write was
// lost.
func (r *Resolver) Observe(transactionID string, escrowID *big.Int) {
	if escrowID != nil {
		r.session.Store(transactionID, escrowID.String())
	}
}

// fromReceipt re-fetches the submission receipt and decodes the creation
// event from its logs. Covers the window where the chain accepted the call
// but the follow-up ledger write never happened.
func (r *Resolver) fromReceipt(ctx context.Context, tx *ledger.Transaction) *big.Int {
	if tx.TransactionHash == "" {
		return nil
	}
	receipt, err := r.gateway.Receipt(ctx, common.HexToHash(tx.TransactionHash))
	if err != nil {
		r.logger.Debug("receipt strategy unavailable",
			"transaction_id", tx.ID, "tx_hash", tx.TransactionHash, "error", err)
		return nil
	}
	event, err := r.gateway.ParseCreation(receipt, r.contract)
	if err != nil {
		r.logger.Debug("no creation event in receipt",
			"transaction_id", tx.ID, "tx_hash", tx.TransactionHash, "error", err)
		return nil
	}
	if !r.eventMatches(tx, event) {
		r.logger.Warn("receipt creation event does not match transaction parties",
			"transaction_id", tx.ID, "tx_hash", tx.TransactionHash)
		return nil
	}
	return event.TxnID
}

// fromSession checks the in-process cache and verifies the hinted id against
// the chain before trusting it.
func (r *Resolver) fromSession(ctx context.Context, tx *ledger.Transaction) *big.Int {
	v, ok := r.session.Load(tx.ID)
	if !ok {
		return nil
	}
	hinted, ok := new(big.Int).SetString(v.(string), 10)
	if !ok {
		r.session.Delete(tx.ID)
		return nil
	}
	record, err := r.gateway.GetRecord(ctx, r.contract, hinted)
	if err != nil || !r.recordMatches(tx, record) {
		r.logger.Warn("session hint disagrees with chain, discarding",
			"transaction_id", tx.ID, "hinted_id", hinted.String())
		r.session.Delete(tx.ID)
		return nil
	}
	return hinted
}

// fromScan walks the contract's transaction counter backwards looking for a
// record whose parties and amount match. Newest slots first: the lost
// transaction is almost certainly recent.
func (r *Resolver) fromScan(ctx context.Context, tx *ledger.Transaction) *big.Int {
	count, err := r.gateway.TransactionCount(ctx, r.contract)
	if err != nil {
		r.logger.Warn("counter scan unavailable", "transaction_id", tx.ID, "error", err)
		return nil
	}
	// Ids are assigned from the counter, so the newest record sits at
	// count-1 and the scan floor is count-scanDepth.
	floor := new(big.Int).Sub(count, big.NewInt(int64(r.scanDepth)))
	if floor.Sign() < 0 {
		floor.SetInt64(0)
	}
	for id := new(big.Int).Sub(count, big.NewInt(1)); id.Cmp(floor) >= 0; id.Sub(id, big.NewInt(1)) {
		record, err := r.gateway.GetRecord(ctx, r.contract, id)
		if err != nil {
			if errors.Is(err, chain.ErrRecordNotFound) {
				continue
			}
			r.logger.Warn("counter scan aborted", "transaction_id", tx.ID, "error", err)
			return nil
		}
		if r.recordMatches(tx, record) {
			return new(big.Int).Set(id)
		}
	}
	return nil
}

// recordMatches checks an on-chain record against the ledger transaction's
// parties and amount. Both wallets must match; a matching amount alone would
// misattribute records between concurrent buyers.
func (r *Resolver) recordMatches(tx *ledger.Transaction, record *chain.OnChainRecord) bool {
	if record == nil || !record.Exists() {
		return false
	}
	if !sameAddress(tx.BuyerWallet, record.Buyer) || !sameAddress(tx.SellerWallet, record.Seller) {
		return false
	}
	expected, err := chain.ParseEther(tx.Amount)
	if err != nil {
		return false
	}
	return expected.Cmp(record.Amount) == 0
}

func (r *Resolver) eventMatches(tx *ledger.Transaction, event *chain.CreationEvent) bool {
	if event == nil || event.TxnID == nil {
		return false
	}
	if !sameAddress(tx.BuyerWallet, event.Buyer) {
		return false
	}
	// FundsDeposited carries no seller; only check when present.
	if (event.Seller != common.Address{}) && !sameAddress(tx.SellerWallet, event.Seller) {
		return false
	}
	return true
}

func sameAddress(hex string, addr common.Address) bool {
	if hex == "" {
		return false
	}
	return common.HexToAddress(hex) == addr
}

// persist writes a recovered id back to the ledger. The column is write-once;
// if a concurrent writer got there first the stored value wins and the
// session hint for this transaction is dropped.
func (r *Resolver) persist(ctx context.Context, tx *ledger.Transaction, id *big.Int) (*big.Int, error) {
	idStr := id.String()
	_, err := r.store.UpdateIfStatus(ctx, tx.ID, tx.Status, ledger.Patch{
		BlockchainTxnID: &idStr,
	})
	if err == nil {
		r.session.Store(tx.ID, idStr)
		return id, nil
	}
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrIdentifierImmutable) {
		stored, getErr := r.store.Get(ctx, tx.ID)
		if getErr == nil && stored.BlockchainTxnID != "" {
			if stored.BlockchainTxnID != idStr {
				r.logger.Warn("resolved id lost to a stored value, using stored",
					"transaction_id", tx.ID,
					"resolved_id", idStr,
					"stored_id", stored.BlockchainTxnID)
				r.session.Delete(tx.ID)
			}
			winner, ok := new(big.Int).SetString(stored.BlockchainTxnID, 10)
			if ok {
				return winner, nil
			}
		}
	}
	// The id is still correct even if the ledger write failed; callers can
	// proceed and the next resolve will try to persist again.
	r.logger.Warn("could not persist resolved escrow id",
		"transaction_id", tx.ID, "escrow_id", idStr, "error", err)
	return id, nil
}
