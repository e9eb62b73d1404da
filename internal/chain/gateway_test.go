package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// mockClient implements EthClient with programmable behavior.
type mockClient struct {
	chainID      *big.Int
	chainIDs     []*big.Int // successive ChainID answers, if set
	chainIDCalls int

	nonce    uint64
	gasPrice *big.Int

	estimateGas uint64
	estimateErr error

	sendErr error
	sentTxs []*types.Transaction

	receipt     *types.Receipt
	receiptErr  error
	callResult  []byte
	callErr     error
	balance     *big.Int
	logs        []types.Log
	filterErr   error
	lastFilter  ethereum.FilterQuery
	blockNumber uint64
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	if len(m.chainIDs) > 0 {
		idx := m.chainIDCalls
		if idx >= len(m.chainIDs) {
			idx = len(m.chainIDs) - 1
		}
		m.chainIDCalls++
		return m.chainIDs[idx], nil
	}
	return m.chainID, nil
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.gasPrice, nil
}

func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	if m.estimateGas == 0 {
		return 100000, nil
	}
	return m.estimateGas, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if m.receipt == nil {
		return nil, errors.New("not found")
	}
	return m.receipt, nil
}

func (m *mockClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.callResult, nil
}

func (m *mockClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if m.balance == nil {
		return big.NewInt(0), nil
	}
	return m.balance, nil
}

func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.lastFilter = q
	if m.filterErr != nil {
		return nil, m.filterErr
	}
	return m.logs, nil
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.blockNumber, nil
}

func (m *mockClient) Close() {}

// mockSwitcher records switch requests and flips the client's chain id.
type mockSwitcher struct {
	err    error
	calls  int
	client *mockClient
	target int64
}

func (s *mockSwitcher) RequestSwitch(ctx context.Context, chainID int64) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.client != nil {
		s.client.chainID = big.NewInt(chainID)
		s.client.chainIDs = nil
	}
	return nil
}

func newTestGateway(t *testing.T, client *mockClient) *Gateway {
	t.Helper()
	g, err := New(Config{
		RPCURL:         "http://localhost:8545",
		PrivateKey:     testKey,
		ChainID:        84532,
		ReceiptTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		SwitchWait:     time.Millisecond,
	}, WithClient(client))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestEnsureNetwork_Match(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	if err := g.EnsureNetwork(context.Background(), 84532); err != nil {
		t.Fatalf("EnsureNetwork() error = %v", err)
	}
}

func TestEnsureNetwork_MismatchNoSwitcher(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(1)}
	g := newTestGateway(t, client)

	err := g.EnsureNetwork(context.Background(), 84532)
	if !errors.Is(err, ErrWrongNetwork) {
		t.Fatalf("EnsureNetwork() error = %v, want ErrWrongNetwork", err)
	}
}

func TestEnsureNetwork_SwitchSucceeds(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(1)}
	sw := &mockSwitcher{client: client}
	g := newTestGateway(t, client)
	g.switcher = sw

	if err := g.EnsureNetwork(context.Background(), 84532); err != nil {
		t.Fatalf("EnsureNetwork() error = %v", err)
	}
	if sw.calls != 1 {
		t.Errorf("switch calls = %d, want 1", sw.calls)
	}
}

func TestEnsureNetwork_SwitchDeclined(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(1)}
	sw := &mockSwitcher{err: errors.New("user declined")}
	g := newTestGateway(t, client)
	g.switcher = sw

	err := g.EnsureNetwork(context.Background(), 84532)
	if !errors.Is(err, ErrNetworkSwitch) {
		t.Fatalf("EnsureNetwork() error = %v, want ErrNetworkSwitch", err)
	}
}

func TestSubmit_AppliesGasMargin(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532), estimateGas: 100000}
	g := newTestGateway(t, client)

	_, err := g.Submit(context.Background(), Call{
		Contract: common.HexToAddress("0x1"),
		Method:   "release",
		Args:     []interface{}{big.NewInt(42)},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(client.sentTxs) != 1 {
		t.Fatalf("sent %d txs, want 1", len(client.sentTxs))
	}
	if got := client.sentTxs[0].Gas(); got != 120000 {
		t.Errorf("gas limit = %d, want 120000 (estimate + 20%%)", got)
	}
}

func TestSubmit_GasEstimationFailureIsDistinct(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532), estimateErr: errors.New("execution reverted")}
	g := newTestGateway(t, client)

	_, err := g.Submit(context.Background(), Call{
		Contract: common.HexToAddress("0x1"),
		Method:   "release",
		Args:     []interface{}{big.NewInt(42)},
	})
	if !errors.Is(err, ErrGasEstimation) {
		t.Fatalf("Submit() error = %v, want ErrGasEstimation", err)
	}
	if errors.Is(err, ErrSubmission) {
		t.Error("estimation failure must not also match ErrSubmission")
	}
	if len(client.sentTxs) != 0 {
		t.Error("nothing should be sent after estimation failure")
	}
}

func TestSubmit_SendFailure(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532), sendErr: errors.New("nonce too low")}
	g := newTestGateway(t, client)

	_, err := g.Submit(context.Background(), Call{
		Contract: common.HexToAddress("0x1"),
		Method:   "cancel",
		Args:     []interface{}{big.NewInt(7)},
	})
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("Submit() error = %v, want ErrSubmission", err)
	}
}

func TestSubmit_NoSigner(t *testing.T) {
	g, err := New(Config{
		RPCURL:  "http://localhost:8545",
		ChainID: 84532,
	}, WithClient(&mockClient{chainID: big.NewInt(84532)}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = g.Submit(context.Background(), Call{
		Contract: common.HexToAddress("0x1"),
		Method:   "release",
		Args:     []interface{}{big.NewInt(1)},
	})
	if !errors.Is(err, ErrNoSigner) {
		t.Fatalf("Submit() error = %v, want ErrNoSigner", err)
	}
}

func TestWaitForReceipt_Success(t *testing.T) {
	client := &mockClient{
		chainID: big.NewInt(84532),
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(1234),
			GasUsed:     90000,
		},
	}
	g := newTestGateway(t, client)

	receipt, err := g.WaitForReceipt(context.Background(), common.HexToHash("0xabc"))
	if err != nil {
		t.Fatalf("WaitForReceipt() error = %v", err)
	}
	if !receipt.Success {
		t.Error("receipt.Success = false, want true")
	}
	if receipt.BlockNumber != 1234 {
		t.Errorf("BlockNumber = %d, want 1234", receipt.BlockNumber)
	}
}

func TestWaitForReceipt_Timeout(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532), receiptErr: errors.New("not found")}
	g := newTestGateway(t, client)

	_, err := g.WaitForReceipt(context.Background(), common.HexToHash("0xabc"))
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("WaitForReceipt() error = %v, want ErrReceiptTimeout", err)
	}
}

func TestWaitForReceipt_Reverted(t *testing.T) {
	client := &mockClient{
		chainID: big.NewInt(84532),
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(1),
		},
	}
	g := newTestGateway(t, client)

	receipt, err := g.WaitForReceipt(context.Background(), common.HexToHash("0xabc"))
	if !errors.Is(err, ErrExecutionReverted) {
		t.Fatalf("WaitForReceipt() error = %v, want ErrExecutionReverted", err)
	}
	if receipt == nil || receipt.Success {
		t.Error("reverted receipt should be returned with Success=false")
	}
}

func TestGetRecord_DecodesTuple(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount, _ := ParseEther("1.5")

	packed, err := g.escrowABI.Methods["getTransaction"].Outputs.Pack(
		buyer, seller, amount, true, false, false,
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client.callResult = packed

	rec, err := g.GetRecord(context.Background(), common.HexToAddress("0x3"), big.NewInt(42))
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}

	if rec.Buyer != buyer || rec.Seller != seller {
		t.Errorf("parties = %s/%s, want %s/%s", rec.Buyer, rec.Seller, buyer, seller)
	}
	if rec.Amount.Cmp(amount) != 0 {
		t.Errorf("amount = %s, want %s", rec.Amount, amount)
	}
	if !rec.IsFunded || rec.IsCompleted || rec.IsCancelled {
		t.Errorf("flags = %v/%v/%v, want funded only", rec.IsFunded, rec.IsCompleted, rec.IsCancelled)
	}
	if !rec.Exists() {
		t.Error("Exists() = false for funded record")
	}
}

func TestTransactionCount(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	packed, err := g.escrowABI.Methods["transactionCount"].Outputs.Pack(big.NewInt(57))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client.callResult = packed

	count, err := g.TransactionCount(context.Background(), common.HexToAddress("0x3"))
	if err != nil {
		t.Fatalf("TransactionCount() error = %v", err)
	}
	if count.Int64() != 57 {
		t.Errorf("count = %s, want 57", count)
	}
}

func creationLog(g *Gateway, contract common.Address, txnID int64, buyer, seller common.Address, amount *big.Int) types.Log {
	ev := g.escrowABI.Events[EventTransactionCreated]
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(txnID)),
			common.BytesToHash(buyer.Bytes()),
			common.BytesToHash(seller.Bytes()),
		},
		Data: common.BigToHash(amount).Bytes(),
	}
}

func TestParseCreation_FindsEvent(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount, _ := ParseEther("1.5")

	receipt := &Receipt{
		TxHash:  "0xabc",
		Success: true,
		Logs: []types.Log{
			// Log from an unrelated contract must be ignored.
			creationLog(g, common.HexToAddress("0x9"), 1, buyer, seller, amount),
			creationLog(g, contract, 42, buyer, seller, amount),
		},
	}

	ev, err := g.ParseCreation(receipt, contract)
	if err != nil {
		t.Fatalf("ParseCreation() error = %v", err)
	}
	if ev.TxnID.Int64() != 42 {
		t.Errorf("TxnID = %s, want 42", ev.TxnID)
	}
	if ev.Buyer != buyer || ev.Seller != seller {
		t.Errorf("parties = %s/%s, want %s/%s", ev.Buyer, ev.Seller, buyer, seller)
	}
	if ev.Amount.Cmp(amount) != 0 {
		t.Errorf("amount = %s, want %s", ev.Amount, amount)
	}
}

func TestParseCreation_NoEvent(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	receipt := &Receipt{TxHash: "0xabc", Success: true}
	_, err := g.ParseCreation(receipt, common.HexToAddress("0x3"))
	if !errors.Is(err, ErrNoCreationLog) {
		t.Fatalf("ParseCreation() error = %v, want ErrNoCreationLog", err)
	}
}

func TestScanEvents_DecodesAndSkipsMalformed(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount, _ := ParseEther("1.5")

	good := creationLog(g, contract, 42, buyer, seller, amount)
	// A log matching the event id but missing indexed topics must be
	// skipped, not abort the scan.
	malformed := types.Log{
		Address: contract,
		Topics:  []common.Hash{g.escrowABI.Events[EventTransactionCreated].ID},
	}
	client.logs = []types.Log{malformed, good}

	events, err := g.ScanEvents(context.Background(), contract, EventTransactionCreated, 100, 200)
	if err != nil {
		t.Fatalf("ScanEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].TxnID.Int64() != 42 || events[0].Buyer != buyer {
		t.Errorf("decoded event = %+v", events[0])
	}

	q := client.lastFilter
	if len(q.Addresses) != 1 || q.Addresses[0] != contract {
		t.Errorf("filter addresses = %v, want [%s]", q.Addresses, contract)
	}
	if q.FromBlock.Uint64() != 100 || q.ToBlock.Uint64() != 200 {
		t.Errorf("filter range = %s..%s, want 100..200", q.FromBlock, q.ToBlock)
	}
	wantTopic := g.escrowABI.Events[EventTransactionCreated].ID
	if len(q.Topics) != 1 || len(q.Topics[0]) != 1 || q.Topics[0][0] != wantTopic {
		t.Errorf("filter topics = %v, want [[%s]]", q.Topics, wantTopic)
	}
}

func TestScanEvents_UnknownEvent(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	_, err := g.ScanEvents(context.Background(), common.HexToAddress("0x3"), "NoSuchEvent", 0, 10)
	if err == nil {
		t.Fatal("ScanEvents() with unknown event should fail")
	}
}

func TestScanEvents_FilterFailure(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532), filterErr: errors.New("rpc down")}
	g := newTestGateway(t, client)

	_, err := g.ScanEvents(context.Background(), common.HexToAddress("0x3"), EventTransactionCreated, 0, 10)
	if err == nil {
		t.Fatal("ScanEvents() should surface the filter error")
	}
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %T, want *CallError", err)
	}
}

func TestBlockNumber(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532), blockNumber: 7777}
	g := newTestGateway(t, client)

	n, err := g.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber() error = %v", err)
	}
	if n != 7777 {
		t.Errorf("BlockNumber() = %d, want 7777", n)
	}
}

func TestParseCreation_FundsDepositedFallback(t *testing.T) {
	client := &mockClient{chainID: big.NewInt(84532)}
	g := newTestGateway(t, client)

	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	amount, _ := ParseEther("2")

	ev := g.escrowABI.Events[EventFundsDeposited]
	receipt := &Receipt{
		TxHash:  "0xdef",
		Success: true,
		Logs: []types.Log{{
			Address: contract,
			Topics: []common.Hash{
				ev.ID,
				common.BigToHash(big.NewInt(7)),
				common.BytesToHash(buyer.Bytes()),
			},
			Data: common.BigToHash(amount).Bytes(),
		}},
	}

	decoded, err := g.ParseCreation(receipt, contract)
	if err != nil {
		t.Fatalf("ParseCreation() error = %v", err)
	}
	if decoded.Event != EventFundsDeposited {
		t.Errorf("Event = %s, want FundsDeposited", decoded.Event)
	}
	if decoded.TxnID.Int64() != 7 {
		t.Errorf("TxnID = %s, want 7", decoded.TxnID)
	}
}
