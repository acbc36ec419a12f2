package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradesafe/internal/transaction"
	"github.com/mbd888/tradesafe/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes for authenticated users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/dispute", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/respond", h.Respond)
	r.GET("/disputes/:id/comments", h.ListComments)
	r.POST("/disputes/:id/comments", h.AddComment)
	r.POST("/disputes/:id/confirm-refund", h.ConfirmSellerRefund)
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.TransactionID = c.Param("id")

	if errs := validation.Validate(
		validation.OneOf("reason", req.Reason, Reasons...),
		validation.MaxLength("description", req.Description, validation.MaxCommentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "dispute_exists",
				"message": "Transaction already has an open dispute",
			})
		case errors.Is(err, ErrNotDisputable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_disputable",
				"message": "Transaction cannot be disputed in its current state",
			})
		default:
			respondDisputeError(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("userID"), c.GetBool("isAdmin"))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListByUser(c.Request.Context(), c.GetString("userID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list disputes",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req struct {
		Message     string   `json:"message" binding:"required"`
		Attachments []string `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("userID"),
		validation.SanitizeString(req.Message, validation.MaxCommentLength),
		sanitizeAttachments(req.Attachments))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListComments handles GET /v1/disputes/:id/comments
func (h *Handler) ListComments(c *gin.Context) {
	comments, err := h.service.Comments(c.Request.Context(), c.Param("id"), c.GetString("userID"), c.GetBool("isAdmin"))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"comments": comments,
		"count":    len(comments),
	})
}

// AddComment handles POST /v1/disputes/:id/comments
func (h *Handler) AddComment(c *gin.Context) {
	var req struct {
		Body        string   `json:"body" binding:"required"`
		Attachments []string `json:"attachments"`
		Internal    bool     `json:"internal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	userID := c.GetString("userID")
	role := h.callerRole(c)

	comment, err := h.service.AddComment(c.Request.Context(), c.Param("id"), userID, role,
		validation.SanitizeString(req.Body, validation.MaxCommentLength),
		sanitizeAttachments(req.Attachments), req.Internal)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": comment})
}

// ConfirmSellerRefund handles POST /v1/disputes/:id/confirm-refund
func (h *Handler) ConfirmSellerRefund(c *gin.Context) {
	var req struct {
		Note        string   `json:"note"`
		Attachments []string `json:"attachments"`
	}
	// Body is optional; a bare confirmation is fine.
	_ = c.ShouldBindJSON(&req)

	d, err := h.service.ConfirmSellerRefund(c.Request.Context(), c.Param("id"),
		c.GetString("userID"), c.GetBool("isAdmin"),
		validation.SanitizeString(req.Note, validation.MaxCommentLength),
		sanitizeAttachments(req.Attachments))
	if err != nil {
		if errors.Is(err, ErrNoRefundPending) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_refund_pending",
				"message": "Dispute has no pending seller refund",
			})
			return
		}
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// sanitizeAttachments caps the attachment list and scrubs each
// reference.
func sanitizeAttachments(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	if len(in) > validation.MaxAttachments {
		in = in[:validation.MaxAttachments]
	}
	out := make([]string, 0, len(in))
	for _, a := range in {
		if s := validation.SanitizeString(a, validation.MaxAttachmentLength); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// callerRole maps the authenticated caller to their dispute role. The
// service re-checks party membership against the dispute record.
func (h *Handler) callerRole(c *gin.Context) string {
	if c.GetBool("isAdmin") {
		return RoleAdmin
	}
	d, err := h.service.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return ""
	}
	if c.GetString("userID") == d.SellerID {
		return RoleSeller
	}
	return RoleBuyer
}

// respondDisputeError maps service errors to HTTP responses.
func respondDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, transaction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this dispute",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Operation not valid for the dispute's current status",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
