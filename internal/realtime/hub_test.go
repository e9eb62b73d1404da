package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramarket/agora/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscriptionMatches(t *testing.T) {
	change := ledger.Change{TransactionID: "txn_1", BuyerID: "buyer-1", SellerID: "seller-1"}

	assert.True(t, Subscription{}.matches(change), "empty subscription is a firehose")
	assert.True(t, Subscription{TransactionIDs: []string{"txn_1"}}.matches(change))
	assert.True(t, Subscription{PartyIDs: []string{"seller-1"}}.matches(change))
	assert.False(t, Subscription{TransactionIDs: []string{"txn_2"}}.matches(change))
	assert.False(t, Subscription{PartyIDs: []string{"other"}}.matches(change))
}

func TestHubDeliversLedgerChanges(t *testing.T) {
	notifier := ledger.NewNotifier(testLogger())
	hub := NewHub(notifier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for registration before publishing.
	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"].(int) == 1
	}, 2*time.Second, 10*time.Millisecond)

	notifier.Publish(ledger.Change{
		TransactionID: "txn_1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		Status:        ledger.StatusCompleted,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "transaction_updated", event.Type)
	assert.Equal(t, "txn_1", event.Change.TransactionID)
	assert.Equal(t, ledger.StatusCompleted, event.Change.Status)
}

func TestHubRejectsUpgradeAfterShutdown(t *testing.T) {
	notifier := ledger.NewNotifier(testLogger())
	hub := NewHub(notifier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/feed", nil)
	hub.HandleWebSocket(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
