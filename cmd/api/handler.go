package api

import (
	"errors"
	"net/http"

	documentusecase "mailscan-backend/internal/document/usecase"
	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxrepo "mailscan-backend/internal/mailbox/repository"
	mailboxusecase "mailscan-backend/internal/mailbox/usecase"
	scandomain "mailscan-backend/internal/scan/domain"
	scanusecase "mailscan-backend/internal/scan/usecase"
	"mailscan-backend/internal/scheduler"
	"mailscan-backend/pkg/config"
	"mailscan-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	mailboxes *mailboxusecase.MailboxUsecase
	scans     *scanusecase.ScanUsecase
	sync      *incrementalusecase.SyncUsecase
	documents *documentusecase.DocumentUsecase
	tokens    mailboxrepo.DeviceTokenRepository
	ticks     *scheduler.Scheduler
	config    *config.Config
	log       *logger.Logger
}

func NewHandler(
	mailboxes *mailboxusecase.MailboxUsecase,
	scans *scanusecase.ScanUsecase,
	sync *incrementalusecase.SyncUsecase,
	documents *documentusecase.DocumentUsecase,
	tokens mailboxrepo.DeviceTokenRepository,
	ticks *scheduler.Scheduler,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		mailboxes: mailboxes,
		scans:     scans,
		sync:      sync,
		documents: documents,
		tokens:    tokens,
		ticks:     ticks,
		config:    cfg,
		log:       log.With("component", "http"),
	}
}

// Engine builds the router without starting it.
func (h *Handler) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger(), corsMiddleware())
	SetupRoutes(r, h)
	return r
}

func (h *Handler) Start(addr string) error {
	h.log.Info("http server listening", "addr", addr)
	return h.Engine().Run(addr)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.log.Debug("request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status())
	}
}

func businessID(c *gin.Context) string {
	return c.GetString(businessIDKey)
}

// respondError maps usecase errors onto HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mailboxusecase.ErrMailboxNotFound),
		errors.Is(err, scandomain.ErrJobNotFound),
		errors.Is(err, documentusecase.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scandomain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, mailboxusecase.ErrInvalidProvider),
		errors.Is(err, mailboxusecase.ErrCredentialsRequired):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
