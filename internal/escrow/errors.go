package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agoramarket/agora/internal/chain"
	"github.com/agoramarket/agora/internal/ledger"
)

// Sentinel errors for the settlement workflows. Callers branch on these with
// errors.Is; each one demands a different reaction, so none may be conflated
// with another or with a raw transport error.
var (
	// ErrWalletNotConnected - no signing capability. Never retried.
	ErrWalletNotConnected = errors.New("escrow: wallet not connected")

	// ErrNetworkSwitchFailed - provider cannot or will not switch chains.
	// Fatal for the current attempt.
	ErrNetworkSwitchFailed = errors.New("escrow: network switch failed")

	// ErrIdentifierNotFound - every resolution strategy came up empty. The
	// transaction cannot be acted on until manually reconciled. Distinct
	// from transport errors: the chain answered, the record isn't there.
	ErrIdentifierNotFound = errors.New("escrow: transaction not found on-chain")

	// ErrPreconditionFailed - on-chain state disagrees with what the
	// workflow expected. See PreconditionError for the specific reason.
	ErrPreconditionFailed = errors.New("escrow: on-chain precondition failed")

	// ErrGasEstimationFailed - the call would likely revert. Surfaced before
	// any submission, never retried blindly.
	ErrGasEstimationFailed = errors.New("escrow: gas estimation failed, call would likely revert")

	// ErrSubmissionRejected - the user declined the call in their wallet.
	// A soft, expected outcome, not a system error.
	ErrSubmissionRejected = errors.New("escrow: submission rejected in wallet")

	// ErrSubmittedNotConfirmed - the call went out but no receipt arrived in
	// time. Recoverable by re-checking, never by resubmission.
	ErrSubmittedNotConfirmed = errors.New("escrow: submitted but not confirmed in time")

	// ErrAmountMismatch - the emitted on-chain amount differs from the
	// expected amount. Hard integrity failure; funds are not marked secured.
	ErrAmountMismatch = errors.New("escrow: on-chain amount differs from expected")

	// ErrLedgerConflict - a conditional ledger write lost its race and the
	// resulting state does not match the caller's intent.
	ErrLedgerConflict = errors.New("escrow: ledger update lost a conflicting write")

	// ErrNotAuthorized - the acting party may not perform this action.
	ErrNotAuthorized = errors.New("escrow: actor not authorized for this action")

	// ErrInvalidState - the action is not legal in the transaction's state.
	ErrInvalidState = errors.New("escrow: action not legal in current state")

	// ErrInsufficientBalance - the buyer's on-chain balance cannot cover the
	// listing amount.
	ErrInsufficientBalance = errors.New("escrow: buyer balance below required amount")

	// ErrListingNotPayable - the listing is inactive or missing the seller
	// wallet or crypto amount needed to fund escrow.
	ErrListingNotPayable = errors.New("escrow: listing cannot be paid")

	// ErrWalletMismatch - the supplied buyer wallet is not the custodial
	// signing wallet. Funding calls are signed by the custodial key, so the
	// on-chain buyer is always the signer address; accepting a different
	// wallet would record a buyer the resolver can never match on-chain.
	ErrWalletMismatch = errors.New("escrow: buyer wallet does not match the signing wallet")
)

// PreconditionReason narrows ErrPreconditionFailed. AlreadyCompleted and
// AlreadyCancelled are special: they mean a prior attempt (or another party)
// already reached the terminal state on-chain, so the workflow reconciles the
// ledger instead of failing the user.
type PreconditionReason string

const (
	ReasonNotFunded        PreconditionReason = "not_funded"
	ReasonAlreadyCompleted PreconditionReason = "already_completed"
	ReasonAlreadyCancelled PreconditionReason = "already_cancelled"
	ReasonWrongCaller      PreconditionReason = "wrong_caller"
	ReasonNoRecord         PreconditionReason = "no_record"
)

// PreconditionError reports which on-chain precondition failed.
type PreconditionError struct {
	Reason          PreconditionReason
	BlockchainTxnID string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("escrow: on-chain precondition failed (%s) for escrow id %s", e.Reason, e.BlockchainTxnID)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// WorkflowError wraps a failure with the workflow, step, and transaction id,
// so a support ticket can locate the exact failure without chain plumbing
// leaking to the end user.
type WorkflowError struct {
	Workflow      string // "initiate", "release", "cancel"
	Step          string // e.g. "resolve", "submit", "ledger_update"
	TransactionID string
	Err           error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("escrow: %s %s failed at %s: %v", e.Workflow, e.TransactionID, e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// fail translates a raw error into the workflow taxonomy and wraps it with
// step context. Translation happens here, at the orchestrator boundary, so
// stores and the gateway stay free to return their own typed errors.
func fail(workflow, step, txID string, err error) error {
	return &WorkflowError{
		Workflow:      workflow,
		Step:          step,
		TransactionID: txID,
		Err:           translate(err),
	}
}

// translate maps gateway and ledger errors onto the workflow taxonomy.
// Errors already in the taxonomy pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chain.ErrNoSigner):
		return fmt.Errorf("%w: %v", ErrWalletNotConnected, err)
	case errors.Is(err, chain.ErrWrongNetwork), errors.Is(err, chain.ErrNetworkSwitch):
		return fmt.Errorf("%w: %v", ErrNetworkSwitchFailed, err)
	case errors.Is(err, chain.ErrGasEstimation):
		return fmt.Errorf("%w: %v", ErrGasEstimationFailed, err)
	case errors.Is(err, chain.ErrReceiptTimeout):
		return fmt.Errorf("%w: %v", ErrSubmittedNotConfirmed, err)
	case errors.Is(err, chain.ErrSubmission):
		if isUserRejection(err) {
			return fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
		}
		return err
	case errors.Is(err, ledger.ErrConflict):
		return fmt.Errorf("%w: %v", ErrLedgerConflict, err)
	default:
		return err
	}
}

// isUserRejection sniffs provider error text for a wallet-side decline.
// Providers do not agree on a code for this, only on the vocabulary.
func isUserRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "rejected by user")
}

// Kind returns a short label for an error, used as a metrics dimension.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWalletNotConnected):
		return "wallet_not_connected"
	case errors.Is(err, ErrNetworkSwitchFailed):
		return "network_switch_failed"
	case errors.Is(err, ErrIdentifierNotFound):
		return "identifier_not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrGasEstimationFailed):
		return "gas_estimation_failed"
	case errors.Is(err, ErrSubmissionRejected):
		return "submission_rejected"
	case errors.Is(err, ErrSubmittedNotConfirmed):
		return "submitted_not_confirmed"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrLedgerConflict):
		return "ledger_conflict"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrListingNotPayable):
		return "listing_not_payable"
	case errors.Is(err, ErrWalletMismatch):
		return "wallet_mismatch"
	default:
		return "internal"
	}
}
