package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradesafe/internal/idgen"
	"github.com/mbd888/tradesafe/internal/security"
)

// Handler provides webhook subscription management endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes. Users manage only their
// own subscriptions.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/webhooks", h.CreateSubscription)
	r.GET("/users/:userId/webhooks", h.ListSubscriptions)
	r.DELETE("/users/:userId/webhooks/:webhookId", h.DeleteSubscription)
}

func (h *Handler) authorize(c *gin.Context) (string, bool) {
	userID := c.Param("userId")
	if userID != c.GetString("userID") && !c.GetBool("isAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "You can only manage your own webhooks",
		})
		return "", false
	}
	return userID, true
}

// CreateSubscription handles POST /v1/users/:userId/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}

	var req struct {
		URL        string   `json:"url" binding:"required"`
		Secret     string   `json:"secret"`
		Categories []string `json:"categories"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The dispatcher makes server-side requests to this URL, so it must
	// not point into our own network.
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:         idgen.WithPrefix("whk_"),
		UserID:     userID,
		URL:        req.URL,
		Secret:     req.Secret,
		Categories: req.Categories,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"webhook": sub})
}

// ListSubscriptions handles GET /v1/users/:userId/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}

	subs, err := h.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhook subscriptions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/users/:userId/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}

	// The subscription must belong to the user in the URL.
	subs, err := h.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook subscription",
		})
		return
	}
	webhookID := c.Param("webhookId")
	for _, sub := range subs {
		if sub.ID == webhookID {
			if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "delete_failed",
					"message": "Failed to delete webhook subscription",
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted": true})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Webhook subscription not found",
	})
}
