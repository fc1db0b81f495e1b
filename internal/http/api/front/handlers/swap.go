package handlers

import (
	"errors"
	"net/http"

	"github.com/faceswap-studio/creditcore/internal/swap"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SwapHandler runs credit-gated face swaps.
type SwapHandler struct {
	swap *swap.Service
}

// NewSwapHandler constructs a SwapHandler.
func NewSwapHandler(svc *swap.Service) *SwapHandler {
	return &SwapHandler{swap: svc}
}

type swapRequest struct {
	UploadID       string `json:"upload_id"`
	SourceImageURL string `json:"source_image_url"`
	TargetImageURL string `json:"target_image_url"`
}

// Create performs a swap and charges for it once the image is ready.
func (h *SwapHandler) Create(c *gin.Context) {
	var body swapRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	userID := getUserID(c)
	res, errRun := h.swap.Run(c.Request.Context(), userID, body.UploadID, swap.Request{
		SourceImageURL: body.SourceImageURL,
		TargetImageURL: body.TargetImageURL,
	})
	if errRun != nil {
		switch {
		case errors.Is(errRun, swap.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": errRun.Error()})
		case errors.Is(errRun, swap.ErrSwapFailed), errors.Is(errRun, swap.ErrSwapperNotConfigured):
			c.JSON(http.StatusBadGateway, gin.H{"error": "face swap failed", "upload_id": res.UploadID})
		default:
			log.WithError(errRun).WithField("user_id", userID).Error("front: face swap")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "face swap failed"})
		}
		return
	}
	if !res.Credits.Success {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     res.Credits.Reason,
			"balance":   res.Credits.Balance,
			"required":  res.Credits.Required,
			"upload_id": res.UploadID,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
