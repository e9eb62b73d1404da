package escrow

import (
	"github.com/agoramarket/agora/internal/ledger"
)

// Action is something a party can ask the settlement core to do with a
// transaction.
type Action string

const (
	ActionRelease Action = "release"
	ActionCancel  Action = "cancel"
	ActionConfirm Action = "confirm"
)

// Role is the acting party's relationship to a transaction.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleNone   Role = "none"
)

// RoleOf identifies which side of the transaction the given user is on.
func RoleOf(tx *ledger.Transaction, userID string) Role {
	switch userID {
	case tx.BuyerID:
		return RoleBuyer
	case tx.SellerID:
		return RoleSeller
	default:
		return RoleNone
	}
}

// confirmed reports whether the given role has already confirmed.
func confirmed(tx *ledger.Transaction, role Role) bool {
	if role == RoleBuyer {
		return tx.BuyerConfirmation
	}
	return tx.SellerConfirmation
}

// CanConfirm decides whether the role may record a delivery confirmation.
// Confirmation is meaningful only once funds are secured and before the
// transaction is terminal. Re-confirming is a harmless no-op upstream, so it
// is allowed here.
func CanConfirm(tx *ledger.Transaction, role Role) error {
	if role == RoleNone {
		return ErrNotAuthorized
	}
	if tx.Status.IsTerminal() {
		return ErrInvalidState
	}
	if !tx.FundsSecured {
		return ErrInvalidState
	}
	return nil
}

// CanRelease decides whether the role may trigger fund release. Only the
// buyer releases: release pays the seller, so the authority to give the money
// away must sit with the party who put it in.
func CanRelease(tx *ledger.Transaction, role Role) error {
	if role != RoleBuyer {
		return ErrNotAuthorized
	}
	if tx.Status.IsTerminal() {
		return ErrInvalidState
	}
	if !tx.FundsSecured {
		return ErrInvalidState
	}
	return nil
}

// CanCancel decides whether the role may cancel. Before funding either party
// can walk away. Once funds are locked a unilateral cancel would strand or
// steal them, so funded transactions only resolve through release or an
// off-band dispute.
func CanCancel(tx *ledger.Transaction, role Role) error {
	if role == RoleNone {
		return ErrNotAuthorized
	}
	if tx.Status.IsTerminal() {
		return ErrInvalidState
	}
	if tx.FundsSecured {
		return ErrInvalidState
	}
	return nil
}

// LegalActions lists the actions the role could currently take. Used by the
// API layer so clients can render the right buttons without re-implementing
// the rules.
func LegalActions(tx *ledger.Transaction, role Role) []Action {
	var out []Action
	if CanConfirm(tx, role) == nil && !confirmed(tx, role) {
		out = append(out, ActionConfirm)
	}
	if CanRelease(tx, role) == nil {
		out = append(out, ActionRelease)
	}
	if CanCancel(tx, role) == nil {
		out = append(out, ActionCancel)
	}
	return out
}
