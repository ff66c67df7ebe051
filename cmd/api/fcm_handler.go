package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type registerTokenRequest struct {
	Token      string `json:"token" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

// POST /api/fcm/register
func (h *Handler) RegisterFCMToken(c *gin.Context) {
	var req registerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.tokens.SaveToken(c.Request.Context(), businessID(c), req.Token, req.DeviceInfo); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token registered"})
}

// DELETE /api/fcm/:token
func (h *Handler) UnregisterFCMToken(c *gin.Context) {
	if err := h.tokens.DeleteToken(c.Request.Context(), c.Param("token")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
