package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/faceswap-studio/creditcore/internal/db"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const healthPingTimeout = 2 * time.Second

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(conn *gorm.DB) *HealthHandler {
	return &HealthHandler{db: conn}
}

// Healthz pings the ledger store. It does not inspect payment drift; see /v0/admin/credits/health.
func (h *HealthHandler) Healthz(c *gin.Context) {
	dialect := db.DialectName(h.db)
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": dialect})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		log.WithError(errPing).Warn("healthz: database ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": dialect})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "database": dialect})
}
