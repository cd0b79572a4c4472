package consumer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves liveness, readiness and a metrics snapshot for the
// consumer process.
func (c *Consumer) HealthHandler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	// liveness: process is up
	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// readiness: the loop finished a tick against the queue api recently
	r.GET("/readyz", func(ctx *gin.Context) {
		last := c.lastTick.Load()
		staleMs := time.Now().UnixMilli() - last

		if last == 0 || staleMs > 3*c.cfg.TickInterval.Milliseconds() {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "stale_ms": staleMs})
			return
		}

		ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", func(ctx *gin.Context) {
		s := c.metrics.Snapshot()

		ctx.JSON(http.StatusOK, gin.H{
			"claimed":       s.Claimed,
			"done":          s.Done,
			"failed":        s.Failed,
			"retried":       s.Retried,
			"exhausted":     s.Exhausted,
			"avgDurationMs": s.AverageDuration.Milliseconds(),
			"maxDurationMs": s.MaxDuration.Milliseconds(),
		})
	})

	return r
}
