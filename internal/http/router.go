package http

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/crawlq/crawlq/internal/config"
	"github.com/crawlq/crawlq/internal/http/handlers"
	"github.com/crawlq/crawlq/internal/http/middlewares"
	"github.com/crawlq/crawlq/internal/observability"
	"github.com/crawlq/crawlq/internal/repo/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const maxBodyBytes = 1 << 20 // 1 MiB

func NewRouter(cfg config.Config, db *sql.DB) *gin.Engine {
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	// middleware

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.SecurityHeaders())
	r.Use(otelgin.Middleware("crawlq-api"))
	r.Use(prom.GinHandleMiddleware())
	r.Use(middlewares.MaxBodyBytes(maxBodyBytes))

	// unknown paths and known paths hit with the wrong verb both answer
	// with the standard envelope
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(ctx *gin.Context) {
		handlers.RespondError(ctx, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})
	r.NoRoute(func(ctx *gin.Context) {
		handlers.RespondNotFound(ctx, "Route not found")
	})

	// public routes
	health := handlers.NewHealthHandler(cfg.Env, db)
	r.GET("/health", health.Healthz)
	r.GET("/readyz", health.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// wire up the queue
	jobsRepo := sqlite.NewJobsRepo(db, prom)
	jobsHandler := handlers.NewJobsHandler(jobsRepo)

	auth := middlewares.NewAuthMiddleware(cfg.InternalAPIToken)
	limiter := middlewares.NewRateLimiter(120, time.Minute)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAuth())
	v1.Use(limiter.RateLimiterMiddleware(middlewares.KeyByIP))
	v1.Use(middlewares.RequireJSON())

	jobs := v1.Group("/jobs")
	jobs.POST("/enqueue", jobsHandler.Enqueue)
	jobs.POST("/dequeue", jobsHandler.Dequeue)
	jobs.POST("/complete", jobsHandler.Complete)
	jobs.POST("/fail", jobsHandler.Fail)
	jobs.POST("/purge", jobsHandler.Purge)
	jobs.GET("/get", jobsHandler.Get)
	jobs.GET("/stats", jobsHandler.Stats)
	jobs.GET("/list", jobsHandler.List)

	return r
}
