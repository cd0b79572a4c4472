package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/crawlq/crawlq/internal/config"
	"github.com/crawlq/crawlq/internal/consumer"
	"github.com/crawlq/crawlq/internal/observability"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	if cfg.InternalAPIToken == "" {
		log.Error("INTERNAL_API_TOKEN must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "crawlq-consumer", cfg.Env, cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
		} else {
			defer func() {
				shCtx, cancel := config.WithTimeout(5 * time.Second)
				defer cancel()
				_ = shutdownTracer(shCtx)
			}()
		}
	}

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	client := consumer.NewAPIClient(cfg.QueueAPIURL, cfg.InternalAPIToken)

	c := consumer.New(consumer.Config{
		MaxJobsPerTick: cfg.MaxJobsPerTick,
		TickInterval:   cfg.TickInterval,
	}, client, log)

	c.Register("crawl", consumer.NewCrawlExecutor(cfg.CrawlTimeout))

	healthSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ConsumerPort),
		Handler:           c.HealthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := healthSrv.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server failed", "err", err)
		}
	}()

	log.Info("consumer starting", "queue_api", cfg.QueueAPIURL, "health_port", cfg.ConsumerPort)

	if err := c.Run(ctx); err != nil {
		log.Error("consumer stopped with error", "err", err)
	}

	shCtx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shCtx)

	log.Info("consumer shutdown complete")
}
