package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const defaultActionType = "face_swap"

// CreditsHandler serves the caller's balance and ledger.
type CreditsHandler struct {
	ledger *ledger.Service
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(ledgerSvc *ledger.Service) *CreditsHandler {
	return &CreditsHandler{ledger: ledgerSvc}
}

// Balance returns the caller's balance, creating an empty one on first access.
func (h *CreditsHandler) Balance(c *gin.Context) {
	userID := getUserID(c)
	bal, errBalance := h.ledger.GetBalance(c.Request.Context(), userID)
	if errBalance != nil {
		log.WithError(errBalance).WithField("user_id", userID).Error("front: get balance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// Transactions returns a page of the caller's ledger, newest first.
func (h *CreditsHandler) Transactions(c *gin.Context) {
	userID := getUserID(c)
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	rows, errHistory := h.ledger.TransactionHistory(c.Request.Context(), userID, limit, offset)
	if errHistory != nil {
		log.WithError(errHistory).WithField("user_id", userID).Error("front: transaction history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": rows, "limit": limit, "offset": offset})
}

// Check reports whether the caller can afford an action without consuming anything.
func (h *CreditsHandler) Check(c *gin.Context) {
	userID := getUserID(c)
	actionType := strings.TrimSpace(c.DefaultQuery("action_type", defaultActionType))
	ctx := c.Request.Context()

	cost, errCost := h.ledger.ActionCost(ctx, actionType)
	if errCost != nil {
		if errors.Is(errCost, ledger.ErrUnknownActionType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action type"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check credits"})
		return
	}
	bal, errBalance := h.ledger.GetBalance(ctx, userID)
	if errBalance != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check credits"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action_type": actionType,
		"sufficient":  bal.Balance >= cost,
		"balance":     bal.Balance,
		"required":    cost,
	})
}

type consumeRequest struct {
	ActionType string `json:"action_type"`
	UploadID   string `json:"upload_id"`
}

// Consume debits the cost of an action. An insufficient balance answers 402 with the balance and
// the required amount.
func (h *CreditsHandler) Consume(c *gin.Context) {
	var body consumeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	actionType := strings.TrimSpace(body.ActionType)
	if actionType == "" {
		actionType = defaultActionType
	}
	userID := getUserID(c)

	res, errConsume := h.ledger.ConsumeCredits(c.Request.Context(), userID, actionType, strings.TrimSpace(body.UploadID))
	if errConsume != nil {
		if errors.Is(errConsume, ledger.ErrUnknownActionType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action type"})
			return
		}
		log.WithError(errConsume).WithField("user_id", userID).Error("front: consume credits")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to consume credits"})
		return
	}
	if !res.Success {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":    res.Reason,
			"balance":  res.Balance,
			"required": res.Required,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
