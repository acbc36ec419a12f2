package transaction

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradesafe/internal/notify"
	"github.com/mbd888/tradesafe/internal/pagination"
	"github.com/mbd888/tradesafe/internal/validation"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes. All routes require an
// authenticated user set by the identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/users/:userId/transactions", h.ListTransactions)
	r.POST("/transactions/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/transactions/:id/cancel", h.CancelTransaction)
	r.POST("/transactions/:id/contacted", h.MarkContacted)
	r.PUT("/transactions/:id/payout-account", h.SetPayoutAccount)
}

// RegisterWebhookRoutes sets up the processor-facing settlement
// callback, authenticated by payload signature instead of user
// identity.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup, secret string) {
	r.POST("/transactions/:id/settlement", h.settlementWebhook(secret))
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The authenticated user is always the buyer.
	req.BuyerID = c.GetString("userID")

	if errs := validation.Validate(
		validation.Required("listingId", req.ListingID),
		validation.OneOf("delivery", req.Delivery, "pickup", "standard", "express"),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrSelfPurchase):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "self_purchase",
				"message": "You cannot buy your own listing",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "transaction_failed",
				"message": "Failed to create transaction",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTxnError(c, err)
		return
	}

	// Only the parties can see a transaction.
	userID := c.GetString("userID")
	if userID != txn.BuyerID && userID != txn.SellerID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/users/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("userId")
	if userID != c.GetString("userID") && !c.GetBool("isAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "You can only list your own transactions",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	txns, next, err := h.service.ListByUser(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list transactions",
		})
		return
	}

	resp := gin.H{
		"transactions": txns,
		"count":        len(txns),
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ConfirmReceipt handles POST /v1/transactions/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	txn, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondTxnError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// CancelTransaction handles POST /v1/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondTxnError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// MarkContacted handles POST /v1/transactions/:id/contacted
func (h *Handler) MarkContacted(c *gin.Context) {
	id := c.Param("id")

	txn, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondTxnError(c, err)
		return
	}
	if c.GetString("userID") != txn.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the seller can confirm contact",
		})
		return
	}

	txn, err = h.service.MarkContacted(c.Request.Context(), id)
	if err != nil {
		respondTxnError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// SetPayoutAccount handles PUT /v1/transactions/:id/payout-account
func (h *Handler) SetPayoutAccount(c *gin.Context) {
	var req struct {
		PayoutAccount string `json:"payoutAccount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.SetPayoutAccount(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.PayoutAccount)
	if err != nil {
		respondTxnError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// settlementWebhook handles POST /v1/transactions/:id/settlement, the
// processor's payment confirmation callback. The processor signs the
// raw body; a bad signature is rejected before any parsing.
func (h *Handler) settlementWebhook(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Failed to read request body",
			})
			return
		}

		if !notify.VerifySignature(body, secret, c.GetHeader("X-Tradesafe-Signature")) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}

		var req struct {
			SettlementRef string `json:"settlementRef"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.SettlementRef == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid settlement payload",
			})
			return
		}

		txn, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), req.SettlementRef)
		if err != nil {
			respondTxnError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": txn})
	}
}

// respondTxnError maps service errors to HTTP responses.
func respondTxnError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this transaction",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Operation not valid for the transaction's current status",
		})
	case errors.Is(err, ErrDuplicateSettlement):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_settlement",
			"message": "Transaction already settled with a different reference",
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Transaction was modified concurrently, retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
