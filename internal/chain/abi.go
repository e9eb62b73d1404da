package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agoramarket/agora/internal/metrics"
)

// escrowABI is the fixed call interface of the escrow contract. Deployments
// rotate over time but the interface is versioned with the contract address a
// transaction pins at creation, so one ABI per binary is sufficient.
const escrowABI = `[
	{"type":"function","name":"createTransaction","stateMutability":"payable","inputs":[{"name":"seller","type":"address"},{"name":"commission","type":"uint256"}],"outputs":[{"name":"txnId","type":"uint256"}]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getTransaction","stateMutability":"view","inputs":[{"name":"txnId","type":"uint256"}],"outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"isFunded","type":"bool"},{"name":"isCompleted","type":"bool"},{"name":"isCancelled","type":"bool"}]},
	{"type":"function","name":"transactionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"TransactionCreated","anonymous":false,"inputs":[{"name":"txnId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"FundsDeposited","anonymous":false,"inputs":[{"name":"txnId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"FundsReleased","anonymous":false,"inputs":[{"name":"txnId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"TransactionCancelled","anonymous":false,"inputs":[{"name":"txnId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Event names emitted by the escrow contract.
const (
	EventTransactionCreated   = "TransactionCreated"
	EventFundsDeposited       = "FundsDeposited"
	EventFundsReleased        = "FundsReleased"
	EventTransactionCancelled = "TransactionCancelled"
)

var (
	ErrRecordNotFound = errors.New("chain: no escrow record at that id")
	ErrNoCreationLog  = errors.New("chain: no creation event in receipt logs")
	ErrMalformedLog   = errors.New("chain: malformed event log")
)

// OnChainRecord is the decoded, validated state of one escrow transaction as
// the contract reports it. All fields are checked at this boundary; business
// logic above never touches raw ABI return values.
type OnChainRecord struct {
	TxnID       *big.Int
	Buyer       common.Address
	Seller      common.Address
	Amount      *big.Int
	IsFunded    bool
	IsCompleted bool
	IsCancelled bool
}

// Exists reports whether the slot holds a real transaction. The contract
// returns a zeroed tuple for unused counter values.
func (r *OnChainRecord) Exists() bool {
	return r.Amount != nil && r.Amount.Sign() > 0
}

// CreationEvent is a decoded TransactionCreated or FundsDeposited log.
type CreationEvent struct {
	Event       string
	TxnID       *big.Int
	Buyer       common.Address
	Seller      common.Address // zero for FundsDeposited
	Amount      *big.Int
	TxHash      string
	BlockNumber uint64
}

// GetRecord reads and validates the on-chain record for an escrow id.
func (g *Gateway) GetRecord(ctx context.Context, contract common.Address, txnID *big.Int) (*OnChainRecord, error) {
	defer metrics.ObserveChainCall("get_record", time.Now())

	values, err := g.read(ctx, Call{
		Contract: contract,
		Method:   "getTransaction",
		Args:     []interface{}{txnID},
	})
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("chain: getTransaction returned %d values, want 6", len(values))
	}

	buyer, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("chain: getTransaction buyer field has type %T", values[0])
	}
	seller, ok := values[1].(common.Address)
	if !ok {
		return nil, fmt.Errorf("chain: getTransaction seller field has type %T", values[1])
	}
	amount, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: getTransaction amount field has type %T", values[2])
	}
	isFunded, ok := values[3].(bool)
	if !ok {
		return nil, fmt.Errorf("chain: getTransaction isFunded field has type %T", values[3])
	}
	isCompleted, ok := values[4].(bool)
	if !ok {
		return nil, fmt.Errorf("chain: getTransaction isCompleted field has type %T", values[4])
	}
	isCancelled, ok := values[5].(bool)
	if !ok {
		return nil, fmt.Errorf("chain: getTransaction isCancelled field has type %T", values[5])
	}

	return &OnChainRecord{
		TxnID:       new(big.Int).Set(txnID),
		Buyer:       buyer,
		Seller:      seller,
		Amount:      amount,
		IsFunded:    isFunded,
		IsCompleted: isCompleted,
		IsCancelled: isCancelled,
	}, nil
}

// TransactionCount reads the contract's monotonic transaction counter.
// Escrow ids are assigned from this counter, so counter-1 is the most
// recently created transaction.
func (g *Gateway) TransactionCount(ctx context.Context, contract common.Address) (*big.Int, error) {
	defer metrics.ObserveChainCall("transaction_count", time.Now())

	values, err := g.read(ctx, Call{
		Contract: contract,
		Method:   "transactionCount",
	})
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: transactionCount returned %d values, want 1", len(values))
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: transactionCount field has type %T", values[0])
	}
	return count, nil
}

// ParseCreation finds and decodes the creation event in a receipt's logs,
// restricted to logs emitted by the given contract. TransactionCreated is
// preferred; FundsDeposited is accepted as a fallback for deployments that
// emit only the deposit event.
func (g *Gateway) ParseCreation(receipt *Receipt, contract common.Address) (*CreationEvent, error) {
	var fallback *CreationEvent

	for i := range receipt.Logs {
		l := &receipt.Logs[i]
		if l.Address != contract {
			continue
		}
		ev, err := g.decodeCreationLog(l)
		if err != nil {
			continue
		}
		if ev.Event == EventTransactionCreated {
			return ev, nil
		}
		if fallback == nil {
			fallback = ev
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: tx %s", ErrNoCreationLog, receipt.TxHash)
}

// decodeCreationLog decodes one TransactionCreated or FundsDeposited log.
func (g *Gateway) decodeCreationLog(l *types.Log) (*CreationEvent, error) {
	if len(l.Topics) == 0 {
		return nil, ErrMalformedLog
	}

	created := g.escrowABI.Events[EventTransactionCreated]
	deposited := g.escrowABI.Events[EventFundsDeposited]

	switch l.Topics[0] {
	case created.ID:
		if len(l.Topics) < 4 {
			return nil, fmt.Errorf("%w: TransactionCreated with %d topics", ErrMalformedLog, len(l.Topics))
		}
		return &CreationEvent{
			Event:       EventTransactionCreated,
			TxnID:       new(big.Int).SetBytes(l.Topics[1].Bytes()),
			Buyer:       common.BytesToAddress(l.Topics[2].Bytes()),
			Seller:      common.BytesToAddress(l.Topics[3].Bytes()),
			Amount:      new(big.Int).SetBytes(l.Data),
			TxHash:      l.TxHash.Hex(),
			BlockNumber: l.BlockNumber,
		}, nil

	case deposited.ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("%w: FundsDeposited with %d topics", ErrMalformedLog, len(l.Topics))
		}
		return &CreationEvent{
			Event:       EventFundsDeposited,
			TxnID:       new(big.Int).SetBytes(l.Topics[1].Bytes()),
			Buyer:       common.BytesToAddress(l.Topics[2].Bytes()),
			Amount:      new(big.Int).SetBytes(l.Data),
			TxHash:      l.TxHash.Hex(),
			BlockNumber: l.BlockNumber,
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown topic %s", ErrMalformedLog, l.Topics[0].Hex())
}
