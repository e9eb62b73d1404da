package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns     map[string]*Transaction
	mu       sync.RWMutex
	notifier *Notifier
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns: make(map[string]*Transaction),
	}
}

// SetNotifier attaches a change notifier. Writes publish after they commit.
func (m *MemoryStore) SetNotifier(n *Notifier) {
	m.notifier = n
}

func (m *MemoryStore) publish(tx *Transaction) {
	if m.notifier != nil {
		m.notifier.Publish(changeFor(tx))
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	cp := *tx
	m.txns[tx.ID] = &cp
	m.mu.Unlock()

	m.publish(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Transaction, error) {
	m.mu.Lock()

	tx, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if tx.Status != expected {
		m.mu.Unlock()
		return nil, ErrConflict
	}

	cp := *tx
	if err := applyPatch(&cp, patch); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.txns[id] = &cp

	out := cp
	m.mu.Unlock()

	m.publish(&out)
	return &out, nil
}

func (m *MemoryStore) FindByBlockchainID(ctx context.Context, smartContractAddress, blockchainTxnID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if blockchainTxnID == "" {
		return nil, ErrNotFound
	}
	for _, tx := range m.txns {
		if tx.SmartContractAddress == smartContractAddress && tx.BlockchainTxnID == blockchainTxnID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txns {
		if tx.BuyerID == partyID || tx.SellerID == partyID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txns {
		if tx.IsTerminal() {
			continue
		}
		// A non-terminal row with a funding hash that hasn't moved is stuck.
		if tx.TransactionHash == "" || !tx.UpdatedAt.Before(olderThan) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
