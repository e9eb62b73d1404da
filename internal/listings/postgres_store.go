package listings

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, seller_id, seller_wallet, title, price, price_currency,
	       crypto_amount, crypto_currency, chain_id, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller_id, seller_wallet, title, price, price_currency,
			crypto_amount, crypto_currency, chain_id, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.SellerID, l.SellerWallet, l.Title, l.Price, l.PriceCurrency,
		l.CryptoAmount, l.CryptoCurrency, l.ChainID, l.Active, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE active = TRUE
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE listings SET active = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row scanner) (*Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID, &l.SellerID, &l.SellerWallet, &l.Title, &l.Price, &l.PriceCurrency,
		&l.CryptoAmount, &l.CryptoCurrency, &l.ChainID, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
