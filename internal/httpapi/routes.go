package httpapi

import (
	"voicebridge/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires every route. Admin routes sit behind authMW and role checks;
// webhooks, audio and health are public.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Health)
	r.GET("/audio/:filename", h.ServeAudio)
	r.POST("/webhooks/:provider/call-logs", h.IngestCallLog)

	admin := r.Group("/admin")
	admin.Use(authMW)
	{
		sync := admin.Group("/sync")
		sync.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		sync.POST("/assistants", h.SyncAssistants)
		sync.POST("/assistants/:id", h.SyncAssistant)

		status := admin.Group("/sync-status")
		status.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer))
		status.GET("", h.SyncStatus)
		status.GET("/summary", h.SyncSummary)
	}
}
