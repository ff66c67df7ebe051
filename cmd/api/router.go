package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		protected := api.Group("")
		protected.Use(AuthMiddleware(h.config.JWTSecret))
		{
			protected.POST("/mailboxes", h.RegisterMailbox)
			protected.POST("/mailboxes/:id/credentials", h.StoreCredentials)
			protected.GET("/mailboxes/:id/scans", h.ListScans)
			protected.GET("/mailboxes/:id/documents", h.ListDocuments)

			protected.POST("/scans", h.StartScan)
			protected.GET("/scans/:id", h.GetScan)
			protected.POST("/scans/:id/pause", h.PauseScan)
			protected.POST("/scans/:id/resume", h.ResumeScan)
			protected.POST("/scans/:id/cancel", h.CancelScan)
			protected.POST("/scans/:id/retry", h.RetryScan)

			protected.PATCH("/documents/:id", h.EditDocument)
			protected.DELETE("/documents/:id", h.DeleteDocument)

			protected.POST("/fcm/register", h.RegisterFCMToken)
			protected.DELETE("/fcm/:token", h.UnregisterFCMToken)

			settings := protected.Group("/settings")
			settings.GET("/ai", GetAISettings)
			settings.PUT("/ai", UpdateAISettings)
			settings.POST("/ai/test", TestOllamaConnection)
		}

		hooks := api.Group("/hooks")
		hooks.Use(SchedulerMiddleware(h.config.SchedulerToken))
		{
			hooks.POST("/scans/:id/advance", h.AdvanceHook)
			hooks.POST("/mailboxes/:id/sync", h.SyncHook)
			hooks.POST("/tick/deep", h.DeepTickHook)
			hooks.POST("/tick/sync", h.SyncTickHook)
		}
	}
}
