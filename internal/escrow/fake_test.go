package escrow

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agoramarket/agora/internal/chain"
)

var (
	testContract     = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testSignerAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSellerWallet = "0x2222222222222222222222222222222222222222"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a programmable in-memory stand-in for the chain gateway.
// Every field is read by at most one method so tests can script exactly the
// chain behavior they need.
type fakeGateway struct {
	signer     bool
	networkErr error

	submitHash common.Hash
	submitErr  error
	submitted  []chain.Call
	onSubmit   func()

	waitReceipt *chain.Receipt
	waitErr     error

	receipt    *chain.Receipt
	receiptErr error

	records   map[string]*chain.OnChainRecord
	recordErr error

	count    *big.Int
	countErr error

	event    *chain.CreationEvent
	parseErr error

	balance *big.Int

	chainCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		signer:     true,
		submitHash: common.HexToHash("0xabc123"),
		records:    map[string]*chain.OnChainRecord{},
		count:      big.NewInt(0),
		balance:    mustWei("1000"),
	}
}

func addr(hex string) common.Address { return common.HexToAddress(hex) }

func ctxb() context.Context { return context.Background() }

func timeAfter() time.Time { return time.Now().UTC().Add(time.Hour) }

func mustWei(amount string) *big.Int {
	v, err := chain.ParseEther(amount)
	if err != nil {
		panic(err)
	}
	return v
}

func (g *fakeGateway) CanSign() bool           { return g.signer }
func (g *fakeGateway) Address() common.Address { return testSignerAddr }

func (g *fakeGateway) EnsureNetwork(ctx context.Context, expectedChainID int64) error {
	g.chainCalls++
	return g.networkErr
}

func (g *fakeGateway) Submit(ctx context.Context, call chain.Call) (common.Hash, error) {
	g.chainCalls++
	g.submitted = append(g.submitted, call)
	if g.onSubmit != nil {
		g.onSubmit()
	}
	if g.submitErr != nil {
		return common.Hash{}, g.submitErr
	}
	return g.submitHash, nil
}

func (g *fakeGateway) WaitForReceipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	g.chainCalls++
	if g.waitErr != nil {
		return g.waitReceipt, g.waitErr
	}
	if g.waitReceipt != nil {
		return g.waitReceipt, nil
	}
	return &chain.Receipt{TxHash: txHash.Hex(), Success: true, BlockNumber: 100}, nil
}

func (g *fakeGateway) Receipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	g.chainCalls++
	if g.receiptErr != nil {
		return nil, g.receiptErr
	}
	if g.receipt == nil {
		return nil, chain.ErrReceiptNotAvailable
	}
	return g.receipt, nil
}

func (g *fakeGateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	g.chainCalls++
	return g.balance, nil
}

func (g *fakeGateway) GetRecord(ctx context.Context, contract common.Address, txnID *big.Int) (*chain.OnChainRecord, error) {
	g.chainCalls++
	if g.recordErr != nil {
		return nil, g.recordErr
	}
	record, ok := g.records[txnID.String()]
	if !ok {
		return nil, chain.ErrRecordNotFound
	}
	return record, nil
}

func (g *fakeGateway) TransactionCount(ctx context.Context, contract common.Address) (*big.Int, error) {
	g.chainCalls++
	if g.countErr != nil {
		return nil, g.countErr
	}
	return new(big.Int).Set(g.count), nil
}

func (g *fakeGateway) ParseCreation(receipt *chain.Receipt, contract common.Address) (*chain.CreationEvent, error) {
	if g.parseErr != nil {
		return nil, g.parseErr
	}
	if g.event == nil {
		return nil, chain.ErrNoCreationLog
	}
	return g.event, nil
}
