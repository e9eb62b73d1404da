package ledger

import (
	"log/slog"
	"sync"
	"time"
)

// Change is a row-change notification delivered to external observers.
// It carries enough to refresh a UI row; internal logic never acts on a
// Change payload and always re-reads the authoritative record instead.
type Change struct {
	TransactionID string       `json:"transactionId"`
	BuyerID       string       `json:"buyerId"`
	SellerID      string       `json:"sellerId"`
	Status        Status       `json:"status"`
	EscrowStatus  EscrowStatus `json:"escrowStatus"`
	FundsSecured  bool         `json:"fundsSecured"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// subscriber receives changes for one transaction id, or all when id is empty.
type subscriber struct {
	id string
	ch chan Change
}

// Notifier fans row changes out to subscribers. Delivery is best-effort
// per subscriber (a slow consumer is skipped, the authoritative state is in
// the store) and may duplicate, so consumers treat it as at-least-once.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers interest in changes for one transaction id, or all
// changes when id is empty. The returned cancel func must be called to
// release the subscription.
func (n *Notifier) Subscribe(id string) (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := n.nextID
	n.nextID++

	sub := &subscriber{id: id, ch: make(chan Change, 16)}
	n.subs[key] = sub

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[key]; ok {
			delete(n.subs, key)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers a change to all matching subscribers.
func (n *Notifier) Publish(change Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub.id != "" && sub.id != change.TransactionID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			n.logger.Warn("dropping ledger change for slow subscriber",
				"transaction_id", change.TransactionID)
		}
	}
}

// changeFor builds a Change from a transaction snapshot.
func changeFor(tx *Transaction) Change {
	return Change{
		TransactionID: tx.ID,
		BuyerID:       tx.BuyerID,
		SellerID:      tx.SellerID,
		Status:        tx.Status,
		EscrowStatus:  tx.EscrowStatus,
		FundsSecured:  tx.FundsSecured,
		UpdatedAt:     tx.UpdatedAt,
	}
}
