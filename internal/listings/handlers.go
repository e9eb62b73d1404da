package listings

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agoramarket/agora/internal/validation"
)

const listActiveLimit = 100

// Handler exposes listings over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the listing endpoints under the given router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/listings", h.create)
	r.GET("/listings", h.list)
	r.GET("/listings/:id", h.get)
	r.POST("/listings/:id/deactivate", h.deactivate)
}

type createRequest struct {
	SellerID       string `json:"sellerId" binding:"required"`
	SellerWallet   string `json:"sellerWallet" binding:"required"`
	Title          string `json:"title" binding:"required"`
	Price          string `json:"price"`
	PriceCurrency  string `json:"priceCurrency"`
	CryptoAmount   string `json:"cryptoAmount" binding:"required"`
	CryptoCurrency string `json:"cryptoCurrency"`
	ChainID        int64  `json:"chainId"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("sellerWallet", req.SellerWallet),
		validation.ValidAmount("cryptoAmount", req.CryptoAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error()})
		return
	}

	currency := req.CryptoCurrency
	if currency == "" {
		currency = "ETH"
	}
	now := time.Now().UTC()
	l := &Listing{
		ID:             newListingID(),
		SellerID:       req.SellerID,
		SellerWallet:   validation.SanitizeAddress(req.SellerWallet),
		Title:          req.Title,
		Price:          req.Price,
		PriceCurrency:  req.PriceCurrency,
		CryptoAmount:   req.CryptoAmount,
		CryptoCurrency: currency,
		ChainID:        req.ChainID,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.Create(c.Request.Context(), l); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "could not create listing"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

func (h *Handler) list(c *gin.Context) {
	active, err := h.store.ListActive(c.Request.Context(), listActiveLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "could not list listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": active, "count": len(active)})
}

func (h *Handler) get(c *gin.Context) {
	l, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "listing not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "could not load listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

func (h *Handler) deactivate(c *gin.Context) {
	if err := h.store.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "listing not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "could not deactivate listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func newListingID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "lst_" + hex.EncodeToString(b)
}
