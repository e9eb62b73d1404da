// Package chain handles all blockchain interactions for the escrow contract.
//
// The Gateway is the only place the service touches an RPC endpoint. It owns
// call submission, receipt polling, gas estimation, network verification and
// event scanning, so the settlement workflows above it never see raw RPC
// plumbing.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agoramarket/agora/internal/metrics"
	"github.com/agoramarket/agora/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrNoSigner            = errors.New("chain: no signing key configured")
	ErrInvalidPrivateKey   = errors.New("chain: invalid private key")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
	ErrWrongNetwork        = errors.New("chain: active network does not match expected chain id")
	ErrNetworkSwitch       = errors.New("chain: network switch failed")
	ErrGasEstimation       = errors.New("chain: gas estimation failed")
	ErrSubmission          = errors.New("chain: transaction submission failed")
	ErrReceiptTimeout      = errors.New("chain: timed out waiting for receipt")
	ErrExecutionReverted   = errors.New("chain: transaction reverted on-chain")
	ErrReceiptNotAvailable = errors.New("chain: receipt not available")
)

// CallError wraps a gateway failure with the operation and hash for context.
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// NetworkSwitcher requests the connected provider to change its active chain.
// The browser-wallet provider implements this; the server-side signer has a
// fixed endpoint and leaves it nil, in which case a mismatch is fatal.
type NetworkSwitcher interface {
	RequestSwitch(ctx context.Context, chainID int64) error
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// GasMarginPercent is added to every raw gas estimate before submission.
	// State can change between estimation and inclusion; the margin absorbs it.
	GasMarginPercent = 20

	// DefaultReceiptTimeout bounds WaitForReceipt.
	DefaultReceiptTimeout = 90 * time.Second

	// ReceiptPollInterval between receipt checks.
	ReceiptPollInterval = 2 * time.Second

	// DefaultSwitchWait is how long to wait for a requested network switch
	// to take effect before re-checking.
	DefaultSwitchWait = 3 * time.Second

	// readAttempts and readRetryDelay govern retries of idempotent view
	// calls and balance reads against a flaky RPC endpoint.
	readAttempts   = 3
	readRetryDelay = 200 * time.Millisecond
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new Gateway.
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, with or without 0x prefix. Empty = read-only.
	ChainID        int64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	SwitchWait     time.Duration
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) { g.client = client }
}

// WithSwitcher sets the network switch hook.
func WithSwitcher(sw NetworkSwitcher) Option {
	return func(g *Gateway) { g.switcher = sw }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Call describes a contract call to submit or read.
type Call struct {
	Contract common.Address
	Method   string
	Args     []interface{}
	Value    *big.Int // attached native value; nil means zero
}

// Receipt is the decoded, validated outcome of a submitted call.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
	Logs        []types.Log
}

// Gateway submits and reads escrow contract calls over a single RPC client.
type Gateway struct {
	client         EthClient
	switcher       NetworkSwitcher
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	escrowABI      abi.ABI
	receiptTimeout time.Duration
	pollInterval   time.Duration
	switchWait     time.Duration
	logger         *slog.Logger
}

// New creates a new Gateway.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: failed to parse escrow ABI: %w", err)
	}

	g := &Gateway{
		chainID:        big.NewInt(cfg.ChainID),
		escrowABI:      parsedABI,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		switchWait:     cfg.SwitchWait,
		logger:         slog.Default(),
	}
	if g.receiptTimeout <= 0 {
		g.receiptTimeout = DefaultReceiptTimeout
	}
	if g.pollInterval <= 0 {
		g.pollInterval = ReceiptPollInterval
	}
	if g.switchWait <= 0 {
		g.switchWait = DefaultSwitchWait
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		pub, ok := key.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
		}
		g.privateKey = key
		g.address = crypto.PubkeyToAddress(*pub)
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

// Address returns the signer address, or the zero address in read-only mode.
func (g *Gateway) Address() common.Address {
	return g.address
}

// CanSign reports whether the gateway holds a signing key.
func (g *Gateway) CanSign() bool {
	return g.privateKey != nil
}

// EnsureNetwork verifies the client is on the expected chain. If not, it
// requests a switch (when a switcher is configured), waits briefly, and
// re-checks. A remaining mismatch is a hard error and is never retried here.
func (g *Gateway) EnsureNetwork(ctx context.Context, expectedChainID int64) error {
	defer metrics.ObserveChainCall("ensure_network", time.Now())

	active, err := g.client.ChainID(ctx)
	if err != nil {
		return &CallError{Op: "chain_id", Err: err}
	}
	if active.Int64() == expectedChainID {
		return nil
	}

	if g.switcher == nil {
		return fmt.Errorf("%w: on %d, expected %d", ErrWrongNetwork, active.Int64(), expectedChainID)
	}

	g.logger.Info("requesting network switch",
		"from", active.Int64(), "to", expectedChainID)

	if err := g.switcher.RequestSwitch(ctx, expectedChainID); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkSwitch, err)
	}

	// Give the provider a moment to apply the switch.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.switchWait):
	}

	active, err = g.client.ChainID(ctx)
	if err != nil {
		return &CallError{Op: "chain_id", Err: err}
	}
	if active.Int64() != expectedChainID {
		return fmt.Errorf("%w: still on %d after switch", ErrNetworkSwitch, active.Int64())
	}
	return nil
}

// EstimateGas returns the raw gas estimate for a call, without margin.
// Estimation failures usually mean the call would revert, so they are
// surfaced as ErrGasEstimation rather than a generic RPC error.
func (g *Gateway) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	defer metrics.ObserveChainCall("estimate_gas", time.Now())

	data, err := g.escrowABI.Pack(call.Method, call.Args...)
	if err != nil {
		return 0, &CallError{Op: "pack", Err: err}
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	estimate, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &call.Contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrGasEstimation, call.Method, err)
	}
	return estimate, nil
}

// applyGasMargin adds the fixed safety margin to a raw estimate.
func applyGasMargin(estimate uint64) uint64 {
	return estimate + estimate*GasMarginPercent/100
}

// Submit signs and sends a contract call. The gas limit is the raw estimate
// plus GasMarginPercent. Estimation and submission failures are distinct:
// the former maps to ErrGasEstimation, the latter to ErrSubmission.
func (g *Gateway) Submit(ctx context.Context, call Call) (common.Hash, error) {
	defer metrics.ObserveChainCall("submit", time.Now())

	if g.privateKey == nil {
		return common.Hash{}, ErrNoSigner
	}

	data, err := g.escrowABI.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Hash{}, &CallError{Op: "pack", Err: err}
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return common.Hash{}, &CallError{Op: "nonce", Err: err}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &CallError{Op: "gas_price", Err: err}
	}

	estimate, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &call.Contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s: %v", ErrGasEstimation, call.Method, err)
	}

	tx := types.NewTransaction(nonce, call.Contract, value, applyGasMargin(estimate), gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return common.Hash{}, &CallError{Op: "sign", Err: err}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return signedTx.Hash(), fmt.Errorf("%w: %s: %v", ErrSubmission, call.Method, err)
	}

	g.logger.Debug("submitted contract call",
		"method", call.Method,
		"contract", call.Contract.Hex(),
		"tx", signedTx.Hash().Hex(),
		"gas", applyGasMargin(estimate),
	)

	return signedTx.Hash(), nil
}

// WaitForReceipt polls for a submitted call's receipt until the configured
// timeout. A timeout returns ErrReceiptTimeout: the call may still confirm
// later, so callers must re-check rather than resubmit. A mined receipt with
// failure status returns the receipt alongside ErrExecutionReverted.
func (g *Gateway) WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	defer metrics.ObserveChainCall("wait_receipt", time.Now())

	ctx, cancel := context.WithTimeout(ctx, g.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrReceiptTimeout, txHash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			return g.decodeReceipt(txHash, receipt)
		}
	}
}

// Receipt fetches a receipt once, without polling. Used by the identifier
// resolver to inspect an old funding call's logs.
func (g *Gateway) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	defer metrics.ObserveChainCall("receipt", time.Now())

	receipt, err := g.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s: %v", ErrReceiptNotAvailable, txHash.Hex(), err)
	}
	return g.decodeReceipt(txHash, receipt)
}

func (g *Gateway) decodeReceipt(txHash common.Hash, receipt *types.Receipt) (*Receipt, error) {
	out := &Receipt{
		TxHash:  txHash.Hex(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	for _, l := range receipt.Logs {
		if l != nil {
			out.Logs = append(out.Logs, *l)
		}
	}
	if !out.Success {
		return out, fmt.Errorf("%w: tx %s", ErrExecutionReverted, txHash.Hex())
	}
	return out, nil
}

// read executes a view call and unpacks the results. View calls are
// idempotent, so transient RPC failures are retried; submissions never are.
func (g *Gateway) read(ctx context.Context, call Call) ([]interface{}, error) {
	data, err := g.escrowABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, &CallError{Op: "pack", Err: err}
	}

	var raw []byte
	err = retry.Do(ctx, readAttempts, readRetryDelay, func() error {
		var callErr error
		raw, callErr = g.client.CallContract(ctx, ethereum.CallMsg{
			To:   &call.Contract,
			Data: data,
		}, nil)
		return callErr
	})
	if err != nil {
		return nil, &CallError{Op: call.Method, Err: err}
	}

	values, err := g.escrowABI.Unpack(call.Method, raw)
	if err != nil {
		return nil, &CallError{Op: "unpack " + call.Method, Err: err}
	}
	return values, nil
}

// NativeBalance returns an address's native-token balance.
func (g *Gateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	defer metrics.ObserveChainCall("balance", time.Now())

	var balance *big.Int
	err := retry.Do(ctx, readAttempts, readRetryDelay, func() error {
		var callErr error
		balance, callErr = g.client.BalanceAt(ctx, addr, nil)
		return callErr
	})
	if err != nil {
		return nil, &CallError{Op: "balance", Err: err}
	}
	return balance, nil
}

// ScanEvents returns decoded escrow events emitted by the contract in the
// given block range. Used for bounded identifier recovery, never for
// unbounded indexing.
func (g *Gateway) ScanEvents(ctx context.Context, contract common.Address, eventName string, fromBlock, toBlock uint64) ([]CreationEvent, error) {
	defer metrics.ObserveChainCall("scan_events", time.Now())

	event, ok := g.escrowABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("chain: unknown event %q", eventName)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{event.ID}},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
	}

	logs, err := g.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, &CallError{Op: "filter_logs", Err: err}
	}

	var events []CreationEvent
	for i := range logs {
		ev, err := g.decodeCreationLog(&logs[i])
		if err != nil {
			g.logger.Warn("skipping undecodable log",
				"tx", logs[i].TxHash.Hex(), "error", err)
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// BlockNumber returns the current head block number.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, &CallError{Op: "block_number", Err: err}
	}
	return n, nil
}

// Close closes the underlying client connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
