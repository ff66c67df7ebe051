package api

import (
	"net/http"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"

	"github.com/gin-gonic/gin"
)

type credentialRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	IMAPAddr     string    `json:"imap_addr"`
	IMAPUsername string    `json:"imap_username"`
	IMAPPassword string    `json:"imap_password"`
}

func (r *credentialRequest) credential() *mailboxdomain.Credential {
	if r == nil {
		return nil
	}
	return &mailboxdomain.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
		IMAPAddr:     r.IMAPAddr,
		IMAPUsername: r.IMAPUsername,
		IMAPPassword: r.IMAPPassword,
	}
}

type registerMailboxRequest struct {
	Provider    string             `json:"provider" binding:"required,oneof=gmail outlook imap"`
	Account     string             `json:"account" binding:"required,email"`
	Credentials *credentialRequest `json:"credentials"`
}

// POST /api/mailboxes
func (h *Handler) RegisterMailbox(c *gin.Context) {
	var req registerMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mb, err := h.mailboxes.Register(c.Request.Context(), businessID(c), mailboxdomain.Provider(req.Provider), req.Account, req.Credentials.credential())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mb)
}

// POST /api/mailboxes/:id/credentials
func (h *Handler) StoreCredentials(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.mailboxes.StoreCredentials(c.Request.Context(), businessID(c), c.Param("id"), req.credential()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "credentials stored"})
}
