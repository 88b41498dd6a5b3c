package main

import (
	"log/slog"
	"net/http"
	"time"

	"voicebridge/internal/auth"
	"voicebridge/internal/config"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/records"
	"voicebridge/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// newRouter builds the gin engine. Keep this file free of business logic;
// route handlers live in internal/httpapi.
func newRouter(cfg config.Config, log *slog.Logger, d *deps) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz"))

	if len(cfg.HTTP.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.HTTP.CORSAllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	h := httpapi.Handlers{
		Ingestor: d.ingestor,
		Sync:     d.sync,
		Runs:     d.runs,
		Audio:    d.audio,
		DB:       d.db,
		WebhookSecrets: map[records.Provider]string{
			records.ProviderVapi:   cfg.Providers.Vapi.WebhookSecret,
			records.ProviderRetell: cfg.Providers.Retell.WebhookSecret,
		},
	}
	h.Register(r, auth.RequireAccessToken(d.auth))
	return r
}
