package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/settings"
	"github.com/gin-gonic/gin"
)

// SettingsHandler updates runtime tunables.
type SettingsHandler struct {
	store *settings.Store
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Put stores a setting and refreshes the in-memory snapshot.
func (h *SettingsHandler) Put(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var body settingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	errPut := h.store.Put(c.Request.Context(), key, body.Value, c.GetString("adminUsername"))
	if errPut != nil {
		switch {
		case errors.Is(errPut, settings.ErrUnknownKey):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		case errors.Is(errPut, settings.ErrInvalidValue):
			c.JSON(http.StatusBadRequest, gin.H{"error": errPut.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save setting"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}
