// Package listings holds the minimal marketplace listing surface the
// settlement core depends on: enough to know who the seller is, what wallet
// they are paid into, and what on-chain amount funds the escrow.
package listings

import (
	"context"
	"errors"
	"time"
)

var ErrListingNotFound = errors.New("listings: listing not found")

// Listing is a marketplace item offered for sale.
type Listing struct {
	ID             string    `json:"id"`
	SellerID       string    `json:"sellerId"`
	SellerWallet   string    `json:"sellerWallet"`
	Title          string    `json:"title"`
	Price          string    `json:"price"`          // display currency amount
	PriceCurrency  string    `json:"priceCurrency"`  // e.g. "USD"
	CryptoAmount   string    `json:"cryptoAmount"`   // escrow funding amount
	CryptoCurrency string    `json:"cryptoCurrency"` // e.g. "ETH"
	ChainID        int64     `json:"chainId"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	ListActive(ctx context.Context, limit int) ([]*Listing, error)
	Deactivate(ctx context.Context, id string) error
}
