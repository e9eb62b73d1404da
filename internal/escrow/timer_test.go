package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramarket/agora/internal/ledger"
)

func TestTimerSweepsAndStops(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	o := newOrchestrator(store, gw)

	tx := fundedSeed(t, store, gw)
	hash := "0x00000000000000000000000000000000000000000000000000000000000000dd"
	_, err := store.UpdateIfStatus(ctxb(), tx.ID, tx.Status, ledger.Patch{TransactionHash: &hash})
	require.NoError(t, err)
	gw.records["5"].IsCompleted = true

	timer := NewTimer(o, 10*time.Millisecond, -time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctxb(), tx.ID)
		return err == nil && got.Status == ledger.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.running.Load())
}

func TestTimerStartIdempotent(t *testing.T) {
	o := newOrchestrator(ledger.NewMemoryStore(), newFakeGateway())
	timer := NewTimer(o, time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go timer.Start(ctx)
	require.Eventually(t, func() bool { return timer.running.Load() }, time.Second, 5*time.Millisecond)

	// Second Start returns immediately while the first still runs.
	timer.Start(ctx)
	cancel()
	require.Eventually(t, func() bool { return !timer.running.Load() }, time.Second, 5*time.Millisecond)
}
