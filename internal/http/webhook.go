package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/faceswap-studio/creditcore/internal/webhook"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxWebhookBody caps the payload read from the payment processor.
const maxWebhookBody = 64 * 1024

// StripeWebhookHandler verifies and processes payment processor events.
//
// A 2xx answer stops redelivery, so only signature failures, concurrent deliveries and exhausted
// retries answer with an error status.
func StripeWebhookHandler(processor *webhook.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if errRead != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if len(payload) > maxWebhookBody {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "payload too large"})
			return
		}

		result, errHandle := processor.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
		switch {
		case errHandle == nil:
			c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
		case errors.Is(errHandle, webhook.ErrSignatureInvalid):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		case errors.Is(errHandle, webhook.ErrEventInFlight):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "event is being processed"})
		case errors.Is(errHandle, webhook.ErrProcessingFailed):
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed", "result": result})
		default:
			log.WithError(errHandle).Error("webhook handler error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook service error"})
		}
	}
}

// RequestLogger logs one line per request through logrus.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		fields := log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}
		if userID := c.GetString("userID"); userID != "" {
			fields["user_id"] = userID
		}
		entry := log.WithFields(fields)
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
