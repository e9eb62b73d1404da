package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agoramarket/agora/internal/ledger"
	"github.com/agoramarket/agora/internal/logging"
	"github.com/agoramarket/agora/internal/validation"
)

const listByPartyLimit = 100

// Handler exposes the settlement workflows over HTTP.
type Handler struct {
	initiator    *Initiator
	orchestrator *Orchestrator
	store        ledger.Store
}

func NewHandler(initiator *Initiator, orchestrator *Orchestrator, store ledger.Store) *Handler {
	return &Handler{initiator: initiator, orchestrator: orchestrator, store: store}
}

// RegisterRoutes mounts the transaction endpoints under the given router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/transactions", h.initiate)
	r.GET("/transactions/:id", h.get)
	r.POST("/transactions/:id/release", h.release)
	r.POST("/transactions/:id/cancel", h.cancel)
	r.POST("/transactions/:id/confirm", h.confirm)
	r.GET("/parties/:id/transactions", h.listByParty)
}

type initiateRequest struct {
	ListingID   string `json:"listingId" binding:"required"`
	BuyerID     string `json:"buyerId" binding:"required"`
	BuyerWallet string `json:"buyerWallet" binding:"required"`
}

type actorRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *Handler) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("buyerWallet", req.BuyerWallet),
		validation.NonEmpty("listingId", req.ListingID),
		validation.NonEmpty("buyerId", req.BuyerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error()})
		return
	}

	tx, err := h.initiator.Initiate(c.Request.Context(), InitiateRequest{
		ListingID:   req.ListingID,
		BuyerID:     req.BuyerID,
		BuyerWallet: validation.SanitizeAddress(req.BuyerWallet),
	})
	if err != nil {
		// An unconfirmed submission still produced a transaction the client
		// must know about; return both.
		if tx != nil && errors.Is(err, ErrSubmittedNotConfirmed) {
			c.JSON(http.StatusAccepted, gin.H{
				"transaction": tx,
				"warning":     "submitted but not yet confirmed",
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

func (h *Handler) get(c *gin.Context) {
	tx, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (h *Handler) release(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.orchestrator.Release(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": res.Transaction,
		"reconciled":  res.Reconciled,
	})
}

func (h *Handler) cancel(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.orchestrator.Cancel(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		// Cancel can discover the funds already moved; surface the updated
		// transaction so the client stops offering cancel.
		if res != nil && errors.Is(err, ErrPreconditionFailed) {
			c.JSON(http.StatusConflict, gin.H{
				"error":       Kind(err),
				"message":     err.Error(),
				"transaction": res.Transaction,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": res.Transaction,
		"reconciled":  res.Reconciled,
	})
}

func (h *Handler) confirm(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	tx, err := h.orchestrator.Confirm(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	role := RoleOf(tx, req.UserID)
	c.JSON(http.StatusOK, gin.H{
		"transaction":  tx,
		"legalActions": LegalActions(tx, role),
	})
}

func (h *Handler) listByParty(c *gin.Context) {
	txs, err := h.store.ListByParty(c.Request.Context(), c.Param("id"), listByPartyLimit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// writeError maps workflow errors onto HTTP statuses. The message is the
// taxonomy error text; internals below it are logged, not leaked.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, ErrLedgerConflict),
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrIdentifierImmutable):
		status = http.StatusConflict
	case errors.Is(err, ErrListingNotPayable),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrWalletNotConnected),
		errors.Is(err, ErrWalletMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrSubmissionRejected):
		status = http.StatusBadRequest
	case errors.Is(err, ErrIdentifierNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSubmittedNotConfirmed):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrNetworkSwitchFailed),
		errors.Is(err, ErrGasEstimationFailed):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(status, gin.H{"error": "internal", "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": Kind(err), "message": err.Error()})
}
