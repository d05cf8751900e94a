package antifraud

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/pagination"
	"github.com/mbd888/txguard/internal/recommendation"
	"github.com/mbd888/txguard/internal/transactions"
	"github.com/mbd888/txguard/internal/validation"
)

// Handler provides HTTP endpoints for scoring and chargebacks.
type Handler struct {
	service *Service
}

// NewHandler creates a new antifraud handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the transaction routes. All of them sit behind
// basic auth in the server.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", validation.PathID("id"), h.GetTransaction)
	r.PATCH("/transactions/:id/chargeback", validation.PathID("id"), h.Chargeback)
	r.GET("/users/:id/transactions", validation.PathID("id"), h.ListUserTransactions)
	r.POST("/recommendations", h.Recommend)
	r.GET("/rules", h.ListRules)
}

// transactionRequest accepts the transaction either wrapped in a
// "transaction" object or at the top level.
type transactionRequest struct {
	Wrapped *TransactionInput `json:"transaction"`
	TransactionInput
}

func (r *transactionRequest) input() TransactionInput {
	if r.Wrapped != nil {
		return *r.Wrapped
	}
	return r.TransactionInput
}

func bindTransaction(c *gin.Context) (TransactionInput, bool) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return TransactionInput{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return TransactionInput{}, false
	}
	return req.input(), true
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	in, ok := bindTransaction(c)
	if !ok {
		return
	}

	tx, err := h.service.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	violations := tx.Violations
	if violations == nil {
		violations = []string{}
	}
	c.JSON(http.StatusCreated, gin.H{
		"transaction_id": tx.ID,
		"recommendation": tx.Recommendation,
		"violations":     violations,
	})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id := validation.PathIDFrom(c, "id")

	tx, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Chargeback handles PATCH /v1/transactions/:id/chargeback
func (h *Handler) Chargeback(c *gin.Context) {
	id := validation.PathIDFrom(c, "id")

	tx, err := h.service.Chargeback(c.Request.Context(), id, SourceAPI)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ListUserTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListUserTransactions(c *gin.Context) {
	userID := validation.PathIDFrom(c, "id")

	limit := DefaultPageSize
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.service.ListByUser(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Recommend handles POST /v1/recommendations. It scores without persisting.
func (h *Handler) Recommend(c *gin.Context) {
	in, ok := bindTransaction(c)
	if !ok {
		return
	}

	verdict, err := h.service.DryRun(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// ListRules handles GET /v1/rules. ?version= describes another rule set.
func (h *Handler) ListRules(c *gin.Context) {
	version, rules := h.service.Rules()
	if v := c.Query("version"); v != "" && v != version {
		rs, err := recommendation.LookupRuleSet(v)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_rule_set",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rule_set": rs.Version, "active": false, "rules": rs.Describe()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_set": version, "active": true, "rules": rules})
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, transactions.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not-found"})
	case errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
	case errors.Is(err, transactions.ErrDuplicateID):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_transaction", "message": "Transaction id already exists"})
	case errors.Is(err, transactions.ErrAlreadyScored), errors.Is(err, recommendation.ErrAlreadyScored):
		c.JSON(http.StatusConflict, gin.H{"error": "already_scored", "message": "Transaction already has a recommendation"})
	case errors.Is(err, transactions.ErrNotApproved):
		c.JSON(http.StatusConflict, gin.H{"error": "not_approved", "message": "Only approved transactions can be charged back"})
	case errors.Is(err, recommendation.ErrHistoryUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history_unavailable", "message": "Transaction history is unavailable; no recommendation was made"})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "timeout", "message": "Request timed out"})
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
