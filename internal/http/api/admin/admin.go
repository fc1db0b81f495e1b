package admin

import (
	"net/http"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/config"
	"github.com/faceswap-studio/creditcore/internal/http/api/admin/handlers"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/reconcile"
	"github.com/faceswap-studio/creditcore/internal/security"
	"github.com/faceswap-studio/creditcore/internal/settings"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Services are the domain services exposed to operators.
type Services struct {
	Reconcile     *reconcile.Service
	Subscriptions *subscription.Service
	Settings      *settings.Store
}

// RegisterAdminRoutes registers the operator login and repair routes.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, svc Services) {
	if r == nil || db == nil {
		return
	}

	adminGroup := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	adminGroup.POST("/login", authHandler.Login)

	authed := adminGroup.Group("")
	authed.Use(adminAuthMiddleware(db, jwtCfg))

	creditsHandler := handlers.NewCreditsHandler(svc.Reconcile)
	authed.GET("/credits/health", creditsHandler.Health)
	authed.GET("/credits/orphaned", creditsHandler.Orphaned)
	authed.GET("/credits/stale", creditsHandler.Stale)
	authed.POST("/credits/repair", creditsHandler.Repair)

	subscriptionHandler := handlers.NewSubscriptionHandler(svc.Subscriptions, svc.Reconcile)
	authed.GET("/subscriptions/unlinked", subscriptionHandler.ListUnlinked)
	authed.POST("/subscriptions/unlinked/:id/link", subscriptionHandler.Link)

	settingsHandler := handlers.NewSettingsHandler(svc.Settings)
	authed.PUT("/settings/:key", settingsHandler.Put)
}

// adminAuthMiddleware validates admin JWTs and loads the admin into context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
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

		claims, errJWT := security.ParseAdminToken(jwtCfg.AdminSecret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).Select("id", "username", "active").
			First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Set("adminUsername", admin.Username)
		c.Next()
	}
}
