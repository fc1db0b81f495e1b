package front

import (
	"net/http"
	"strings"
	"time"

	"github.com/faceswap-studio/creditcore/internal/config"
	"github.com/faceswap-studio/creditcore/internal/http/api/front/handlers"
	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/security"
	"github.com/faceswap-studio/creditcore/internal/swap"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Services are the domain services exposed to end users.
type Services struct {
	Ledger    *ledger.Service
	Recharges *recharge.Manager
	Swap      *swap.Service
}

// RegisterFrontRoutes registers authenticated end-user routes.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, svc Services) {
	if r == nil || db == nil {
		return
	}

	front := r.Group("/v0/front")
	authed := front.Group("")
	authed.Use(userAuthMiddleware(db, jwtCfg))

	creditsHandler := handlers.NewCreditsHandler(svc.Ledger)
	authed.GET("/credits/balance", creditsHandler.Balance)
	authed.GET("/credits/transactions", creditsHandler.Transactions)
	authed.GET("/credits/check", creditsHandler.Check)
	authed.POST("/credits/consume", creditsHandler.Consume)

	rechargeHandler := handlers.NewRechargeHandler(svc.Recharges)
	authed.GET("/packages", rechargeHandler.Packages)
	authed.POST("/recharges", rechargeHandler.Create)

	if svc.Swap != nil {
		swapHandler := handlers.NewSwapHandler(svc.Swap)
		authed.POST("/face-swap", swapHandler.Create)
	}
}

// userAuthMiddleware validates provider-issued JWTs and records the caller's email for customer
// linking.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseUserToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID := claims.UserID()
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if email := strings.ToLower(strings.TrimSpace(claims.Email)); email != "" {
			now := time.Now().UTC()
			profile := models.UserProfile{ID: userID, Email: email, CreatedAt: now, UpdatedAt: now}
			errUpsert := db.WithContext(c.Request.Context()).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
			}).Create(&profile).Error
			if errUpsert != nil {
				log.WithError(errUpsert).WithField("user_id", userID).Warn("front: record user profile")
			}
		}

		c.Set("userID", userID)
		c.Next()
	}
}
