package handlers

import (
	"context"
	"net/http"

	"github.com/crawlq/crawlq/internal/config"
	"github.com/gin-gonic/gin"
)

type ReadinessPinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	env string
	db  ReadinessPinger
}

func NewHealthHandler(env string, db ReadinessPinger) *HealthHandler {
	return &HealthHandler{env: env, db: db}
}

// GET /health (public)

func (h *HealthHandler) Healthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"service":   "crawlq-api",
		"env":       h.env,
		"requestId": requestIDFrom(ctx),
	})
}

// GET /readyz (public): ready once the store answers.

func (h *HealthHandler) Readyz(ctx *gin.Context) {
	if h.db != nil {
		cctx, cancel := config.WithTimeout(opTimeout)
		defer cancel()

		if err := h.db.PingContext(cctx); err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "status": "store unreachable"})
			return
		}
	}

	ctx.JSON(http.StatusOK, gin.H{"ok": true, "status": "ready"})
}
