package api

import (
	"net/http"
	"strconv"
	"time"

	documentdomain "mailscan-backend/internal/document/domain"
	documentrepo "mailscan-backend/internal/document/repository"
	documentusecase "mailscan-backend/internal/document/usecase"

	"github.com/gin-gonic/gin"
)

// GET /api/mailboxes/:id/documents?status=&limit=&offset=
func (h *Handler) ListDocuments(c *gin.Context) {
	ctx := c.Request.Context()
	mb, err := h.mailboxes.Get(ctx, businessID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filter := documentrepo.DocumentFilter{
		Status: documentdomain.Status(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}

	docs, total, err := h.documents.List(ctx, mb.ID, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documents": docs,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

type editDocumentRequest struct {
	Vendor       *string `json:"vendor" binding:"omitempty,min=1"`
	AmountMinor  *int64  `json:"amount_minor" binding:"omitempty,min=0"`
	Currency     *string `json:"currency" binding:"omitempty,len=3,uppercase"`
	DocumentDate *string `json:"document_date" binding:"omitempty,datetime=2006-01-02"`
	Category     *string `json:"category"`
}

// ownedDocument loads a document and checks the caller owns its mailbox.
func (h *Handler) ownedDocument(c *gin.Context) (*documentdomain.ExtractedDocument, bool) {
	ctx := c.Request.Context()
	doc, err := h.documents.Get(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if _, err := h.mailboxes.Get(ctx, businessID(c), doc.MailboxID); err != nil {
		h.respondError(c, documentusecase.ErrDocumentNotFound)
		return nil, false
	}
	return doc, true
}

// PATCH /api/documents/:id
func (h *Handler) EditDocument(c *gin.Context) {
	var req editDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, ok := h.ownedDocument(c)
	if !ok {
		return
	}

	fields := documentrepo.ManualFields{
		Vendor:      req.Vendor,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Category:    req.Category,
	}
	if req.DocumentDate != nil {
		d, err := time.Parse("2006-01-02", *req.DocumentDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "document_date must be YYYY-MM-DD"})
			return
		}
		fields.DocumentDate = &d
	}

	updated, err := h.documents.Edit(c.Request.Context(), doc.ID, fields)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DELETE /api/documents/:id
func (h *Handler) DeleteDocument(c *gin.Context) {
	doc, ok := h.ownedDocument(c)
	if !ok {
		return
	}
	if err := h.documents.Delete(c.Request.Context(), doc.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
