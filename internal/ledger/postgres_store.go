package ledger

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	notifier *Notifier
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SetNotifier attaches a change notifier. Writes publish after they commit.
func (p *PostgresStore) SetNotifier(n *Notifier) {
	p.notifier = n
}

func (p *PostgresStore) publish(tx *Transaction) {
	if p.notifier != nil {
		p.notifier.Publish(changeFor(tx))
	}
}

const txnColumns = `id, listing_id, buyer_id, seller_id, buyer_wallet, seller_wallet,
	       amount, commission_amount, token_symbol, chain_id, network,
	       smart_contract_address, blockchain_txn_id, transaction_hash,
	       status, escrow_status, funds_secured,
	       buyer_confirmation, seller_confirmation,
	       funds_secured_at, released_at, cancelled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, listing_id, buyer_id, seller_id, buyer_wallet, seller_wallet,
			amount, commission_amount, token_symbol, chain_id, network,
			smart_contract_address, blockchain_txn_id, transaction_hash,
			status, escrow_status, funds_secured,
			buyer_confirmation, seller_confirmation,
			funds_secured_at, released_at, cancelled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(30,18), $8::NUMERIC(30,18), $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19,
			$20, $21, $22, $23, $24
		)`,
		t.ID, t.ListingID, t.BuyerID, t.SellerID, t.BuyerWallet, t.SellerWallet,
		t.Amount, t.CommissionAmount, t.TokenSymbol, t.ChainID, t.Network,
		t.SmartContractAddress, nullString(t.BlockchainTxnID), nullString(t.TransactionHash),
		string(t.Status), string(t.EscrowStatus), t.FundsSecured,
		t.BuyerConfirmation, t.SellerConfirmation,
		nullTime(t.FundsSecuredAt), nullTime(t.ReleasedAt), nullTime(t.CancelledAt),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}

	p.publish(t)
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateIfStatus applies the patch only if the row's current status matches
// expected. The row is locked for the duration so the write-once check on
// blockchain_txn_id and the status comparison see a consistent snapshot.
func (p *PostgresStore) UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbtx.Rollback() }()

	row := dbtx.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if t.Status != expected {
		return nil, ErrConflict
	}

	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}

	_, err = dbtx.ExecContext(ctx, `
		UPDATE transactions SET
			blockchain_txn_id = $1, transaction_hash = $2,
			status = $3, escrow_status = $4, funds_secured = $5,
			buyer_confirmation = $6, seller_confirmation = $7,
			funds_secured_at = $8, released_at = $9, cancelled_at = $10,
			updated_at = $11
		WHERE id = $12`,
		nullString(t.BlockchainTxnID), nullString(t.TransactionHash),
		string(t.Status), string(t.EscrowStatus), t.FundsSecured,
		t.BuyerConfirmation, t.SellerConfirmation,
		nullTime(t.FundsSecuredAt), nullTime(t.ReleasedAt), nullTime(t.CancelledAt),
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return nil, err
	}

	if err := dbtx.Commit(); err != nil {
		return nil, err
	}

	p.publish(t)
	return t, nil
}

func (p *PostgresStore) FindByBlockchainID(ctx context.Context, smartContractAddress, blockchainTxnID string) (*Transaction, error) {
	if blockchainTxnID == "" {
		return nil, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE smart_contract_address = $1 AND blockchain_txn_id = $2`,
		smartContractAddress, blockchainTxnID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE status IN ('pending', 'processing')
		  AND transaction_hash IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var t Transaction
	var status, escrowStatus string
	var blockchainTxnID, transactionHash sql.NullString
	var fundsSecuredAt, releasedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.BuyerWallet, &t.SellerWallet,
		&t.Amount, &t.CommissionAmount, &t.TokenSymbol, &t.ChainID, &t.Network,
		&t.SmartContractAddress, &blockchainTxnID, &transactionHash,
		&status, &escrowStatus, &t.FundsSecured,
		&t.BuyerConfirmation, &t.SellerConfirmation,
		&fundsSecuredAt, &releasedAt, &cancelledAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.EscrowStatus = EscrowStatus(escrowStatus)
	t.BlockchainTxnID = blockchainTxnID.String
	t.TransactionHash = transactionHash.String
	if fundsSecuredAt.Valid {
		t.FundsSecuredAt = &fundsSecuredAt.Time
	}
	if releasedAt.Valid {
		t.ReleasedAt = &releasedAt.Time
	}
	if cancelledAt.Valid {
		t.CancelledAt = &cancelledAt.Time
	}
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
