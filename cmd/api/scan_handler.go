package api

import (
	"context"
	"net/http"

	scandomain "mailscan-backend/internal/scan/domain"
	scanusecase "mailscan-backend/internal/scan/usecase"

	"github.com/gin-gonic/gin"
)

type startScanRequest struct {
	MailboxID  string `json:"mailbox_id" binding:"required"`
	RangeYears int    `json:"range_years" binding:"omitempty,min=1,max=10"`
}

// POST /api/scans
func (h *Handler) StartScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.mailboxes.Get(ctx, businessID(c), req.MailboxID); err != nil {
		h.respondError(c, err)
		return
	}

	job, err := h.scans.StartScan(ctx, req.MailboxID, req.RangeYears)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ownedJob loads a job's progress and checks the caller owns its mailbox.
// Jobs of other businesses look the same as missing ones.
func (h *Handler) ownedJob(c *gin.Context) (*scanusecase.JobProgress, bool) {
	ctx := c.Request.Context()
	progress, err := h.scans.GetStatus(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if _, err := h.mailboxes.Get(ctx, businessID(c), progress.MailboxID); err != nil {
		h.respondError(c, scandomain.ErrJobNotFound)
		return nil, false
	}
	return progress, true
}

// GET /api/scans/:id
func (h *Handler) GetScan(c *gin.Context) {
	progress, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *Handler) PauseScan(c *gin.Context) {
	h.transition(c, h.scans.Pause)
}

func (h *Handler) ResumeScan(c *gin.Context) {
	h.transition(c, h.scans.Resume)
}

func (h *Handler) CancelScan(c *gin.Context) {
	h.transition(c, h.scans.Cancel)
}

func (h *Handler) RetryScan(c *gin.Context) {
	h.transition(c, h.scans.RetryFailed)
}

type jobTransition func(ctx context.Context, jobID string) (*scandomain.ScanJob, error)

func (h *Handler) transition(c *gin.Context, fn jobTransition) {
	progress, ok := h.ownedJob(c)
	if !ok {
		return
	}
	job, err := fn(c.Request.Context(), progress.JobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GET /api/mailboxes/:id/scans
func (h *Handler) ListScans(c *gin.Context) {
	ctx := c.Request.Context()
	mb, err := h.mailboxes.Get(ctx, businessID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	jobs, err := h.scans.ListJobs(ctx, mb.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
