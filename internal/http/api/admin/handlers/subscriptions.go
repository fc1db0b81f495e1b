package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/reconcile"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SubscriptionHandler manages subscriptions whose customer could not be matched to a user.
type SubscriptionHandler struct {
	subscriptions *subscription.Service
	reconcile     *reconcile.Service
}

// NewSubscriptionHandler constructs a SubscriptionHandler.
func NewSubscriptionHandler(subs *subscription.Service, rec *reconcile.Service) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subs, reconcile: rec}
}

// ListUnlinked lists queued subscriptions. include_resolved=true also returns linked entries.
func (h *SubscriptionHandler) ListUnlinked(c *gin.Context) {
	includeResolved := strings.EqualFold(strings.TrimSpace(c.Query("include_resolved")), "true")
	rows, errList := h.subscriptions.ListUnlinked(c.Request.Context(), includeResolved)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list unlinked subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": rows})
}

type linkRequest struct {
	UserID string `json:"user_id"`
}

// Link assigns a queued subscription to a user and applies it.
func (h *SubscriptionHandler) Link(c *gin.Context) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body linkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	res, errLink := h.reconcile.LinkSubscription(c.Request.Context(), id, userID)
	if errLink != nil {
		switch {
		case errors.Is(errLink, subscription.ErrUnlinkedNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unlinked subscription not found"})
		case errors.Is(errLink, subscription.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "subscription already linked"})
		default:
			log.WithError(errLink).WithField("unlinked_id", id).Error("admin: link subscription")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link subscription"})
		}
		return
	}
	log.WithFields(log.Fields{
		"unlinked_id": id,
		"user_id":     userID,
		"admin":       c.GetString("adminUsername"),
	}).Info("admin: subscription linked")
	c.JSON(http.StatusOK, res)
}
