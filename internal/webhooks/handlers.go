package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eelnxz09/anamoly-processing/internal/risk"
	"github.com/eelnxz09/anamoly-processing/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	dispatcher   *Dispatcher
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler. A non-nil urlValidator vets
// subscription URLs on creation.
func NewHandler(store Store, dispatcher *Dispatcher, urlValidator func(string) error) *Handler {
	return &Handler{
		store:        store,
		dispatcher:   dispatcher,
		urlValidator: urlValidator,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.GET("/webhooks/:id", h.GetWebhook)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/test", h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	MinLevel string   `json:"min_level"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.URL = strings.TrimSpace(req.URL)

	errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.HTTPURL("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	)

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(strings.ToLower(strings.TrimSpace(e)))
		if !et.Valid() {
			errs = append(errs, validation.ValidationError{Field: "events", Message: "unknown event " + e})
			continue
		}
		events = append(events, et)
	}
	if len(req.Events) == 0 {
		events = append(events, EventTransactionFlagged)
	}

	minLevel := risk.LevelHigh
	if req.MinLevel != "" {
		l, ok := risk.ParseLevel(req.MinLevel)
		if !ok {
			errs = append(errs, validation.ValidationError{Field: "min_level", Message: "must be one of Low, Medium, High, Critical"})
		}
		minLevel = l
	}

	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if h.urlValidator != nil {
		if err := h.urlValidator(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": err.Error(),
			})
			return
		}
	}

	secret, err := generateSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate secret",
		})
		return
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		MinLevel:  minLevel,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of the request body keyed with the secret",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// GetWebhook handles GET /v1/webhooks/:id
func (h *Handler) GetWebhook(c *gin.Context) {
	sub, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sub)
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
	default:
		c.Status(http.StatusNoContent)
	}
}

// TestWebhook handles POST /v1/webhooks/:id/test
func (h *Handler) TestWebhook(c *gin.Context) {
	sub, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.dispatcher.SendTest(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "delivery_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (h *Handler) lookup(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load webhook",
		})
		return nil, false
	}
	return sub, true
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
