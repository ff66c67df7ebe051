package api

import (
	"errors"
	"net/http"

	mailboxusecase "mailscan-backend/internal/mailbox/usecase"

	"github.com/gin-gonic/gin"
)

// Hooks let an external scheduler drive ticks instead of the in-process
// loop. Each call performs one bounded step.

// POST /api/hooks/scans/:id/advance
func (h *Handler) AdvanceHook(c *gin.Context) {
	report, err := h.scans.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// POST /api/hooks/mailboxes/:id/sync
func (h *Handler) SyncHook(c *gin.Context) {
	report, err := h.sync.AdvanceSync(c.Request.Context(), c.Param("id"))
	if errors.Is(err, mailboxusecase.ErrMailboxNotFound) {
		h.respondError(c, err)
		return
	}
	if err != nil {
		h.log.Warn("sync hook failed", "mailbox_id", c.Param("id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// POST /api/hooks/tick/deep
func (h *Handler) DeepTickHook(c *gin.Context) {
	if err := h.ticks.RunDeepTick(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deep scan tick done"})
}

// POST /api/hooks/tick/sync
func (h *Handler) SyncTickHook(c *gin.Context) {
	if err := h.ticks.RunSyncTick(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sync tick done"})
}
