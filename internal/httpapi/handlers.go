package httpapi

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"voicebridge/internal/audio"
	"voicebridge/internal/ingest"
	"voicebridge/internal/reconcile"
	"voicebridge/internal/records"
	"voicebridge/internal/syncrun"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
)

const defaultMaxBodyBytes = 5 << 20

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Ingestor *ingest.Ingestor
	Sync     *reconcile.Coordinator
	Runs     *syncrun.Service
	Audio    *audio.Materializer
	DB       *sql.DB

	// WebhookSecrets holds the optional shared secret per provider.
	WebhookSecrets map[records.Provider]string
	MaxBodyBytes   int64
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// internalError records err for the request log and answers 500 without details.
func internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, "internal error")
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	if h.DB != nil {
		if err := utils.HealthCheck(c.Request.Context(), h.DB, 2*time.Second); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Webhooks ---

// providerEnabled reports whether p has a directory configured.
func (h Handlers) providerEnabled(p records.Provider) bool {
	if h.Sync == nil {
		return false
	}
	return slices.Contains(h.Sync.Providers(), p)
}

func (h Handlers) webhookAuthorized(c *gin.Context, p records.Provider) bool {
	want := h.WebhookSecrets[p]
	if want == "" {
		return true
	}
	got := c.GetHeader("X-Webhook-Secret")
	if got == "" && p == records.ProviderVapi {
		got = c.GetHeader("X-Vapi-Secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// IngestCallLog files one provider call event.
// 201 when the call record is new, 200 when an existing one was updated.
func (h Handlers) IngestCallLog(c *gin.Context) {
	if h.Ingestor == nil {
		fail(c, http.StatusInternalServerError, "ingestion not configured")
		return
	}
	provider, ok := records.ParseProvider(c.Param("provider"))
	if !ok || !h.providerEnabled(provider) {
		fail(c, http.StatusNotFound, "unknown provider")
		return
	}
	if !h.webhookAuthorized(c, provider) {
		fail(c, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		fail(c, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := h.Ingestor.Ingest(c.Request.Context(), provider, body)
	switch {
	case errors.Is(err, ingest.ErrInvalidPayload):
		fail(c, http.StatusBadRequest, "invalid JSON payload")
		return
	case errors.Is(err, ingest.ErrMissingKeys):
		fail(c, http.StatusBadRequest, "missing call id or assistant id")
		return
	case errors.Is(err, ingest.ErrUnresolved):
		fail(c, http.StatusNotFound, publicMessage(err))
		return
	case err != nil:
		internalError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"success":        true,
		"voiceLogId":     res.Call.ID,
		"externalCallId": res.Call.ExternalCallID,
		"isUpdate":       !res.Created,
	})
}

// publicMessage strips the stage prefix from an ingestion error.
func publicMessage(err error) string {
	var se *ingest.StageError
	if errors.As(err, &se) {
		err = se.Err
	}
	return strings.TrimPrefix(err.Error(), "ingest: ")
}

// --- Sync ---

// syncContext detaches a sync from the caller: a client that disconnects
// does not abort a run that is already recording history.
func syncContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h Handlers) syncError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, reconcile.ErrAlreadyRunning):
		fail(c, http.StatusConflict, "sync already running")
	case errors.Is(err, reconcile.ErrUnknownProvider), errors.Is(err, reconcile.ErrInvalidID):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		internalError(c, err)
	}
	return true
}

func queryProvider(c *gin.Context) (records.Provider, bool) {
	raw := strings.TrimSpace(c.Query("provider"))
	if raw == "" {
		return "", true
	}
	return records.ParseProvider(raw)
}

// SyncAssistants runs a full reconciliation for ?provider=, or for every
// configured provider.
func (h Handlers) SyncAssistants(c *gin.Context) {
	if h.Sync == nil {
		fail(c, http.StatusInternalServerError, "sync not configured")
		return
	}
	provider, ok := queryProvider(c)
	if !ok {
		fail(c, http.StatusBadRequest, "unknown provider")
		return
	}

	if provider != "" {
		n, err := h.Sync.ReconcileAll(syncContext(c), provider)
		if h.syncError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "syncCount": n})
		return
	}

	n, results, err := h.Sync.ReconcileEvery(syncContext(c))
	switch {
	case errors.Is(err, reconcile.ErrAlreadyRunning):
		fail(c, http.StatusConflict, "sync already running")
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "sync failed", "syncCount": n, "providers": results})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "syncCount": n, "providers": results})
	}
}

// SyncAssistant reconciles the single assistant :id.
func (h Handlers) SyncAssistant(c *gin.Context) {
	if h.Sync == nil {
		fail(c, http.StatusInternalServerError, "sync not configured")
		return
	}
	provider, ok := queryProvider(c)
	if !ok {
		fail(c, http.StatusBadRequest, "unknown provider")
		return
	}
	id := strings.TrimSpace(c.Param("id"))

	found, err := h.Sync.ReconcileOne(syncContext(c), provider, id)
	if h.syncError(c, err) {
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "assistant not found at provider")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "assistant " + id + " synced"})
}

// --- Sync history ---

func intQuery(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h Handlers) SyncStatus(c *gin.Context) {
	if h.Runs == nil {
		fail(c, http.StatusInternalServerError, "sync history not configured")
		return
	}
	page, ok := intQuery(c, "page")
	if !ok {
		fail(c, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	provider, ok := queryProvider(c)
	if !ok {
		fail(c, http.StatusBadRequest, "unknown provider")
		return
	}
	typ := syncrun.Type(strings.TrimSpace(c.Query("type")))
	if typ != "" && typ != syncrun.TypeFull && typ != syncrun.TypeSingle {
		fail(c, http.StatusBadRequest, "type must be full or single")
		return
	}

	res, err := h.Runs.List(c.Request.Context(), syncrun.ListFilter{
		Provider: string(provider),
		Type:     typ,
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		internalError(c, err)
		return
	}
	if res.Runs == nil {
		res.Runs = []syncrun.Run{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"runs":    res.Runs,
		"pagination": gin.H{
			"page":  res.Page,
			"limit": res.Limit,
			"total": res.Total,
		},
	})
}

func (h Handlers) SyncSummary(c *gin.Context) {
	if h.Runs == nil {
		fail(c, http.StatusInternalServerError, "sync history not configured")
		return
	}
	provider, ok := queryProvider(c)
	if !ok {
		fail(c, http.StatusBadRequest, "unknown provider")
		return
	}
	sum, err := h.Runs.Summary(c.Request.Context(), string(provider))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
}

// --- Audio ---

func (h Handlers) ServeAudio(c *gin.Context) {
	if h.Audio == nil {
		fail(c, http.StatusNotFound, "audio not found")
		return
	}
	p, err := h.Audio.Path(c.Param("filename"))
	switch {
	case errors.Is(err, audio.ErrInvalidName), errors.Is(err, audio.ErrFileNotFound):
		fail(c, http.StatusNotFound, "audio not found")
		return
	case err != nil:
		internalError(c, err)
		return
	}
	c.File(p)
}
