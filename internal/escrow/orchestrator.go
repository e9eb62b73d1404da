package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agoramarket/agora/internal/chain"
	"github.com/agoramarket/agora/internal/ledger"
	"github.com/agoramarket/agora/internal/metrics"
	"github.com/agoramarket/agora/internal/traces"
)

// Result is the outcome of a settlement workflow. Reconciled means the
// on-chain contract had already reached the terminal state and only the
// ledger was brought up to date; no new submission happened.
type Result struct {
	Transaction *ledger.Transaction
	Receipt     *chain.Receipt
	Reconciled  bool
}

// Orchestrator coordinates release and cancellation between the ledger and
// the escrow contract. The contract is authoritative: every workflow reads
// on-chain state before acting and never writes a terminal ledger status
// that the chain has not already made true.
type Orchestrator struct {
	store    ledger.Store
	gateway  Gateway
	resolver *Resolver
	contract common.Address
	chainID  int64
	logger   *slog.Logger
}

func NewOrchestrator(store ledger.Store, gateway Gateway, resolver *Resolver,
	contract common.Address, chainID int64, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		gateway:  gateway,
		resolver: resolver,
		contract: contract,
		chainID:  chainID,
		logger:   logger,
	}
}

// Release pays the escrowed funds out to the seller. Only the buyer may call
// it, and authorization is checked before any chain traffic so a rejected
// caller costs nothing.
//
// Calling Release on a transaction that already completed on-chain is not an
// error: the ledger is reconciled and the result says so. That makes retries
// after a timeout safe.
func (o *Orchestrator) Release(ctx context.Context, transactionID, userID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.TransactionID(transactionID), traces.Actor(userID))
	defer span.End()

	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		return nil, fail("release", "load", transactionID, err)
	}
	role := RoleOf(tx, userID)

	// A completed transaction stays released no matter how many times the
	// buyer clicks the button.
	if tx.Status == ledger.StatusCompleted {
		if role == RoleNone {
			return nil, fail("release", "authorize", transactionID, ErrNotAuthorized)
		}
		return &Result{Transaction: tx}, nil
	}
	if err := CanRelease(tx, role); err != nil {
		return nil, fail("release", "authorize", transactionID, err)
	}
	if !o.gateway.CanSign() {
		return nil, fail("release", "signer", transactionID, ErrWalletNotConnected)
	}
	if err := o.gateway.EnsureNetwork(ctx, o.chainID); err != nil {
		return nil, fail("release", "network", transactionID, err)
	}

	escrowID, err := o.resolver.Resolve(ctx, tx)
	if err != nil {
		metrics.WorkflowsTotal.WithLabelValues("release", "unresolved").Inc()
		return nil, fail("release", "resolve", transactionID, err)
	}
	span.SetAttributes(traces.BlockchainTxnID(escrowID.String()))

	record, err := o.gateway.GetRecord(ctx, o.contract, escrowID)
	if err != nil {
		return nil, fail("release", "precheck", transactionID, err)
	}
	if res, err := o.checkReleasable(ctx, tx, escrowID, record); res != nil || err != nil {
		return res, err
	}

	hash, err := o.gateway.Submit(ctx, chain.Call{
		Contract: o.contract,
		Method:   "release",
		Args:     []interface{}{escrowID},
	})
	if err != nil {
		metrics.WorkflowsTotal.WithLabelValues("release", Kind(translate(err))).Inc()
		return nil, fail("release", "submit", transactionID, err)
	}
	o.logger.Info("release submitted",
		"transaction_id", tx.ID, "blockchain_txn_id", escrowID.String(), "tx_hash", hash.Hex())

	receipt, err := o.gateway.WaitForReceipt(ctx, hash)
	if errors.Is(err, chain.ErrReceiptTimeout) {
		// The release may still land. The ledger stays non-terminal and the
		// next attempt (or the reconciler) observes the truth.
		metrics.WorkflowsTotal.WithLabelValues("release", "unconfirmed").Inc()
		return nil, fail("release", "confirm", transactionID, err)
	}
	if errors.Is(err, chain.ErrExecutionReverted) {
		// A concurrent release by another path is the common cause. Re-read
		// and reconcile if the money already moved.
		if rec, rerr := o.gateway.GetRecord(ctx, o.contract, escrowID); rerr == nil && rec.IsCompleted {
			return o.reconcileCompleted(ctx, tx, "release")
		}
		metrics.WorkflowsTotal.WithLabelValues("release", "reverted").Inc()
		return nil, fail("release", "confirm", transactionID, err)
	}
	if err != nil {
		return nil, fail("release", "confirm", transactionID, err)
	}

	updated, err := o.markCompleted(ctx, tx)
	if err != nil {
		return nil, fail("release", "ledger_update", transactionID, err)
	}
	metrics.WorkflowsTotal.WithLabelValues("release", "ok").Inc()
	o.logger.Info("escrow released", "transaction_id", tx.ID, "tx_hash", hash.Hex())
	return &Result{Transaction: updated, Receipt: receipt}, nil
}

// checkReleasable verifies the on-chain preconditions for release. A non-nil
// result short-circuits the workflow (already settled on-chain); a non-nil
// error aborts it.
func (o *Orchestrator) checkReleasable(ctx context.Context, tx *ledger.Transaction, escrowID *big.Int, record *chain.OnChainRecord) (*Result, error) {
	idStr := escrowID.String()
	switch {
	case !record.Exists():
		metrics.WorkflowsTotal.WithLabelValues("release", "precondition_failed").Inc()
		return nil, fail("release", "precheck", tx.ID, &PreconditionError{Reason: ReasonNoRecord, BlockchainTxnID: idStr})
	case record.IsCompleted:
		return o.reconcileCompleted(ctx, tx, "release")
	case record.IsCancelled:
		_, _ = o.markCancelled(ctx, tx)
		metrics.WorkflowsTotal.WithLabelValues("release", "precondition_failed").Inc()
		return nil, fail("release", "precheck", tx.ID, &PreconditionError{Reason: ReasonAlreadyCancelled, BlockchainTxnID: idStr})
	case !record.IsFunded:
		metrics.WorkflowsTotal.WithLabelValues("release", "precondition_failed").Inc()
		return nil, fail("release", "precheck", tx.ID, &PreconditionError{Reason: ReasonNotFunded, BlockchainTxnID: idStr})
	case record.Buyer != o.gateway.Address():
		// The contract only accepts release from the buyer of record.
		metrics.WorkflowsTotal.WithLabelValues("release", "precondition_failed").Inc()
		return nil, fail("release", "precheck", tx.ID, &PreconditionError{Reason: ReasonWrongCaller, BlockchainTxnID: idStr})
	}

	expected, err := chain.ParseEther(tx.Amount)
	if err == nil && expected.Cmp(record.Amount) != 0 {
		metrics.WorkflowsTotal.WithLabelValues("release", "amount_mismatch").Inc()
		return nil, fail("release", "precheck", tx.ID, fmt.Errorf("%w: ledger %s, chain %s",
			ErrAmountMismatch, tx.Amount, chain.FormatEther(record.Amount)))
	}
	return nil, nil
}

// Cancel abandons a transaction. Before funding this is a pure ledger write;
// once a funding call is in flight the contract is consulted so a cancel can
// never race a successful funding into an inconsistent pair of records.
func (o *Orchestrator) Cancel(ctx context.Context, transactionID, userID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel",
		traces.TransactionID(transactionID), traces.Actor(userID))
	defer span.End()

	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		return nil, fail("cancel", "load", transactionID, err)
	}
	role := RoleOf(tx, userID)

	if tx.Status == ledger.StatusCancelled {
		if role == RoleNone {
			return nil, fail("cancel", "authorize", transactionID, ErrNotAuthorized)
		}
		return &Result{Transaction: tx}, nil
	}
	if err := CanCancel(tx, role); err != nil {
		return nil, fail("cancel", "authorize", transactionID, err)
	}

	// Nothing was ever submitted: no chain record can exist, cancel locally.
	if tx.TransactionHash == "" && tx.BlockchainTxnID == "" {
		updated, err := o.markCancelled(ctx, tx)
		if err != nil {
			return nil, fail("cancel", "ledger_update", transactionID, err)
		}
		metrics.WorkflowsTotal.WithLabelValues("cancel", "ok").Inc()
		return &Result{Transaction: updated}, nil
	}

	if !o.gateway.CanSign() {
		return nil, fail("cancel", "signer", transactionID, ErrWalletNotConnected)
	}
	if err := o.gateway.EnsureNetwork(ctx, o.chainID); err != nil {
		return nil, fail("cancel", "network", transactionID, err)
	}

	escrowID, err := o.resolver.Resolve(ctx, tx)
	if errors.Is(err, ErrIdentifierNotFound) {
		// A hash exists but no chain record does: the funding call never
		// confirmed. Safe to cancel in the ledger alone.
		updated, uerr := o.markCancelled(ctx, tx)
		if uerr != nil {
			return nil, fail("cancel", "ledger_update", transactionID, uerr)
		}
		metrics.WorkflowsTotal.WithLabelValues("cancel", "ok").Inc()
		return &Result{Transaction: updated}, nil
	}
	if err != nil {
		return nil, fail("cancel", "resolve", transactionID, err)
	}
	span.SetAttributes(traces.BlockchainTxnID(escrowID.String()))

	record, err := o.gateway.GetRecord(ctx, o.contract, escrowID)
	if err != nil {
		return nil, fail("cancel", "precheck", transactionID, err)
	}
	switch {
	case record.IsCompleted:
		// Funds already went to the seller; cancelling is no longer
		// possible and the ledger must say completed, not cancelled.
		res, _ := o.reconcileCompleted(ctx, tx, "cancel")
		metrics.WorkflowsTotal.WithLabelValues("cancel", "precondition_failed").Inc()
		return res, fail("cancel", "precheck", transactionID,
			&PreconditionError{Reason: ReasonAlreadyCompleted, BlockchainTxnID: escrowID.String()})
	case record.IsCancelled:
		updated, uerr := o.markCancelled(ctx, tx)
		if uerr != nil {
			return nil, fail("cancel", "ledger_update", transactionID, uerr)
		}
		return &Result{Transaction: updated, Reconciled: true}, nil
	}

	hash, err := o.gateway.Submit(ctx, chain.Call{
		Contract: o.contract,
		Method:   "cancel",
		Args:     []interface{}{escrowID},
	})
	if err != nil {
		metrics.WorkflowsTotal.WithLabelValues("cancel", Kind(translate(err))).Inc()
		return nil, fail("cancel", "submit", transactionID, err)
	}
	receipt, err := o.gateway.WaitForReceipt(ctx, hash)
	if err != nil {
		metrics.WorkflowsTotal.WithLabelValues("cancel", "unconfirmed").Inc()
		return nil, fail("cancel", "confirm", transactionID, err)
	}

	updated, err := o.markCancelled(ctx, tx)
	if err != nil {
		return nil, fail("cancel", "ledger_update", transactionID, err)
	}
	metrics.WorkflowsTotal.WithLabelValues("cancel", "ok").Inc()
	o.logger.Info("escrow cancelled", "transaction_id", tx.ID, "tx_hash", hash.Hex())
	return &Result{Transaction: updated, Receipt: receipt}, nil
}

// Confirm records a delivery confirmation flag for the acting party. Pure
// ledger state; confirmations inform the parties but do not gate release.
// Confirming twice is a no-op.
func (o *Orchestrator) Confirm(ctx context.Context, transactionID, userID string) (*ledger.Transaction, error) {
	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		return nil, fail("confirm", "load", transactionID, err)
	}
	role := RoleOf(tx, userID)
	if err := CanConfirm(tx, role); err != nil {
		return nil, fail("confirm", "authorize", transactionID, err)
	}
	if confirmed(tx, role) {
		return tx, nil
	}

	patch := ledger.Patch{}
	if role == RoleBuyer {
		patch.BuyerConfirmation = ledger.BoolPtr(true)
	} else {
		patch.SellerConfirmation = ledger.BoolPtr(true)
	}
	updated, err := o.store.UpdateIfStatus(ctx, tx.ID, tx.Status, patch)
	if err != nil {
		return nil, fail("confirm", "ledger_update", transactionID, err)
	}
	return updated, nil
}

// reconcileCompleted brings the ledger in line with a contract that already
// released. This is the only path that writes completed without a fresh
// receipt, and it runs only after reading IsCompleted from the chain.
func (o *Orchestrator) reconcileCompleted(ctx context.Context, tx *ledger.Transaction, workflow string) (*Result, error) {
	updated, err := o.markCompleted(ctx, tx)
	if err != nil {
		return nil, fail(workflow, "reconcile", tx.ID, err)
	}
	metrics.WorkflowsTotal.WithLabelValues(workflow, "reconciled").Inc()
	o.logger.Info("ledger reconciled to completed", "transaction_id", tx.ID, "workflow", workflow)
	return &Result{Transaction: updated, Reconciled: true}, nil
}

// markCompleted conditionally advances the ledger to completed. Losing the
// race to a writer that also reached completed is success, not conflict.
func (o *Orchestrator) markCompleted(ctx context.Context, tx *ledger.Transaction) (*ledger.Transaction, error) {
	now := time.Now().UTC()
	// Completion means the buyer released on-chain, so the confirmation flag
	// goes true with it wherever completed is written.
	updated, err := o.store.UpdateIfStatus(ctx, tx.ID, tx.Status, ledger.Patch{
		Status:            ledger.StatusPtr(ledger.StatusCompleted),
		EscrowStatus:      ledger.EscrowPtr(ledger.EscrowCompleted),
		BuyerConfirmation: ledger.BoolPtr(true),
		ReleasedAt:        &now,
	})
	if errors.Is(err, ledger.ErrConflict) {
		metrics.LedgerConflictsTotal.Inc()
		current, getErr := o.store.Get(ctx, tx.ID)
		if getErr == nil && current.Status == ledger.StatusCompleted {
			return current, nil
		}
		return nil, err
	}
	return updated, err
}

func (o *Orchestrator) markCancelled(ctx context.Context, tx *ledger.Transaction) (*ledger.Transaction, error) {
	now := time.Now().UTC()
	updated, err := o.store.UpdateIfStatus(ctx, tx.ID, tx.Status, ledger.Patch{
		Status:       ledger.StatusPtr(ledger.StatusCancelled),
		EscrowStatus: ledger.EscrowPtr(ledger.EscrowCancelled),
		CancelledAt:  &now,
	})
	if errors.Is(err, ledger.ErrConflict) {
		metrics.LedgerConflictsTotal.Inc()
		current, getErr := o.store.Get(ctx, tx.ID)
		if getErr == nil && current.Status == ledger.StatusCancelled {
			return current, nil
		}
		return nil, err
	}
	return updated, err
}

// ReconcileStuck sweeps non-terminal transactions that stopped moving and
// pulls their true state from the chain. Called by the background timer.
func (o *Orchestrator) ReconcileStuck(ctx context.Context, olderThan time.Time, limit int) {
	stuck, err := o.store.ListStuck(ctx, olderThan, limit)
	if err != nil {
		o.logger.Error("stuck transaction sweep failed", "error", err)
		return
	}
	for _, tx := range stuck {
		if err := o.reconcileOne(ctx, tx); err != nil {
			metrics.ReconciliationsTotal.WithLabelValues("error").Inc()
			o.logger.Warn("could not reconcile stuck transaction",
				"transaction_id", tx.ID, "error", err)
		}
	}
}

func (o *Orchestrator) reconcileOne(ctx context.Context, tx *ledger.Transaction) error {
	escrowID, err := o.resolver.Resolve(ctx, tx)
	if errors.Is(err, ErrIdentifierNotFound) {
		metrics.ReconciliationsTotal.WithLabelValues("unresolved").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	record, err := o.gateway.GetRecord(ctx, o.contract, escrowID)
	if err != nil {
		return err
	}

	switch {
	case record.IsCompleted:
		if _, err := o.markCompleted(ctx, tx); err != nil {
			return err
		}
		metrics.ReconciliationsTotal.WithLabelValues("completed").Inc()
		o.logger.Info("stuck transaction reconciled to completed", "transaction_id", tx.ID)
	case record.IsCancelled:
		if _, err := o.markCancelled(ctx, tx); err != nil {
			return err
		}
		metrics.ReconciliationsTotal.WithLabelValues("cancelled").Inc()
		o.logger.Info("stuck transaction reconciled to cancelled", "transaction_id", tx.ID)
	case record.IsFunded && !tx.FundsSecured:
		now := time.Now().UTC()
		_, err := o.store.UpdateIfStatus(ctx, tx.ID, tx.Status, ledger.Patch{
			Status:         ledger.StatusPtr(ledger.StatusProcessing),
			EscrowStatus:   ledger.EscrowPtr(ledger.EscrowFundsSecured),
			FundsSecured:   ledger.BoolPtr(true),
			FundsSecuredAt: &now,
		})
		if err != nil && !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		metrics.ReconciliationsTotal.WithLabelValues("funded").Inc()
		o.logger.Info("stuck transaction reconciled to funded", "transaction_id", tx.ID)
	default:
		metrics.ReconciliationsTotal.WithLabelValues("unchanged").Inc()
	}
	return nil
}
