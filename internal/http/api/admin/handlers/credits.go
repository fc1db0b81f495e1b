package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/reconcile"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CreditsHandler exposes drift detection and repair to operators.
type CreditsHandler struct {
	reconcile *reconcile.Service
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(svc *reconcile.Service) *CreditsHandler {
	return &CreditsHandler{reconcile: svc}
}

// Health returns the aggregate drift snapshot.
func (h *CreditsHandler) Health(c *gin.Context) {
	snapshot, errHealth := h.reconcile.SystemHealthSnapshot(c.Request.Context())
	if errHealth != nil {
		log.WithError(errHealth).Error("admin: system health")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute health"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Orphaned lists completed recharges without a ledger entry, optionally for one user.
func (h *CreditsHandler) Orphaned(c *gin.Context) {
	rows, errFind := h.reconcile.FindOrphanedRecharges(c.Request.Context(), strings.TrimSpace(c.Query("user_id")))
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orphaned recharges"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recharges": rows, "count": len(rows)})
}

// Stale lists pending recharges older than the threshold. older_than_minutes overrides it.
func (h *CreditsHandler) Stale(c *gin.Context) {
	var olderThan time.Duration
	if raw := strings.TrimSpace(c.Query("older_than_minutes")); raw != "" {
		minutes, errParse := strconv.Atoi(raw)
		if errParse != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than_minutes"})
			return
		}
		olderThan = time.Duration(minutes) * time.Minute
	}
	rows, errFind := h.reconcile.FindStalePendingRecharges(c.Request.Context(), olderThan)
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stale recharges"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recharges": rows, "count": len(rows)})
}

type repairRequest struct {
	Action     string `json:"action"`
	UserID     string `json:"user_id"`
	RechargeID string `json:"recharge_id"`
}

// Repair runs one of the repair actions.
func (h *CreditsHandler) Repair(c *gin.Context) {
	var body repairRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	action := strings.TrimSpace(body.Action)
	userID := strings.TrimSpace(body.UserID)
	rechargeID := strings.TrimSpace(body.RechargeID)
	ctx := c.Request.Context()
	logger := log.WithFields(log.Fields{"action": action, "admin": c.GetString("adminUsername")})

	switch action {
	case reconcile.ActionFixOrphanedRecharges:
		reports, errFix := h.reconcile.FixOrphanedRecharges(ctx, userID)
		if errFix != nil {
			logger.WithError(errFix).Error("admin: fix orphaned recharges")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "repair failed"})
			return
		}
		logger.WithField("count", len(reports)).Info("admin: orphaned recharges repaired")
		c.JSON(http.StatusOK, gin.H{"action": action, "results": reports})

	case reconcile.ActionRetryFailedPayments:
		reports, errRetry := h.reconcile.RetryFailedPayments(ctx)
		if errRetry != nil {
			logger.WithError(errRetry).Error("admin: retry failed payments")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "repair failed"})
			return
		}
		logger.WithField("count", len(reports)).Info("admin: pending payments rechecked")
		c.JSON(http.StatusOK, gin.H{"action": action, "results": reports})

	case reconcile.ActionRecalculateBalance:
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
			return
		}
		res, errRecalc := h.reconcile.RecalculateBalance(ctx, userID)
		if errRecalc != nil {
			if errors.Is(errRecalc, ledger.ErrNegativeLedger) {
				c.JSON(http.StatusConflict, gin.H{"error": errRecalc.Error()})
				return
			}
			logger.WithError(errRecalc).Error("admin: recalculate balance")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "repair failed"})
			return
		}
		logger.WithFields(log.Fields{"user_id": userID, "drift": res.Drift}).Info("admin: balance recalculated")
		c.JSON(http.StatusOK, gin.H{"action": action, "result": res})

	case reconcile.ActionFixSpecificRecharge:
		if rechargeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recharge_id is required"})
			return
		}
		report, errRepair := h.reconcile.RepairOrphanedRecharge(ctx, rechargeID)
		if errRepair != nil {
			switch {
			case errors.Is(errRepair, recharge.ErrRechargeNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "recharge not found"})
			case errors.Is(errRepair, reconcile.ErrNotRepairable), errors.Is(errRepair, recharge.ErrInvalidTransition):
				c.JSON(http.StatusConflict, gin.H{"error": errRepair.Error()})
			default:
				logger.WithError(errRepair).Error("admin: fix recharge")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "repair failed"})
			}
			return
		}
		logger.WithField("recharge_id", rechargeID).Info("admin: recharge repaired")
		c.JSON(http.StatusOK, gin.H{"action": action, "result": report})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}
