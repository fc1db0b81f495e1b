package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RechargeHandler lists packages and starts purchases.
type RechargeHandler struct {
	manager *recharge.Manager
}

// NewRechargeHandler constructs a RechargeHandler.
func NewRechargeHandler(manager *recharge.Manager) *RechargeHandler {
	return &RechargeHandler{manager: manager}
}

// Packages lists active credit packages.
func (h *RechargeHandler) Packages(c *gin.Context) {
	pkgs, errList := h.manager.ListPackages(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list packages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": pkgs})
}

type createRechargeRequest struct {
	PackageID      string `json:"package_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Create starts a recharge. A repeated idempotency key returns the recharge created first.
func (h *RechargeHandler) Create(c *gin.Context) {
	var body createRechargeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	packageID := strings.TrimSpace(body.PackageID)
	if packageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "package_id is required"})
		return
	}
	key := strings.TrimSpace(body.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	userID := getUserID(c)
	ctx := c.Request.Context()

	var (
		intent    recharge.Intent
		errCreate error
	)
	if key == "" {
		intent, errCreate = h.manager.CreateRecharge(ctx, userID, packageID)
	} else {
		intent, errCreate = h.manager.CreateRechargeIntent(ctx, userID, packageID, key)
	}
	if errCreate != nil {
		switch {
		case errors.Is(errCreate, recharge.ErrPackageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		case intent.ID != "":
			log.WithError(errCreate).WithField("recharge_id", intent.ID).Warn("front: payment intent creation failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable", "recharge": intent})
		default:
			log.WithError(errCreate).WithField("user_id", userID).Error("front: create recharge")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create recharge"})
		}
		return
	}
	c.JSON(http.StatusCreated, intent)
}
