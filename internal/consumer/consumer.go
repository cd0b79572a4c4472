package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crawlq/crawlq/internal/domain/job"
	"github.com/crawlq/crawlq/internal/observability"
)

const claimTimeout = 2 * time.Second

type Config struct {
	MaxJobsPerTick int
	TickInterval   time.Duration
}

// QueueClient is the slice of the queue api the loop needs.
type QueueClient interface {
	Dequeue(ctx context.Context) (*LeasedJob, error)
	Complete(ctx context.Context, id string, result any) error
	Fail(ctx context.Context, id, errMsg string) (job.FailOutcome, error)
}

// Consumer pulls leased jobs from the queue api on a fixed tick and drives
// each one to complete or fail.
type Consumer struct {
	cfg       Config
	client    QueueClient
	executors map[string]Executor
	metrics   *observability.JobMetrics
	log       *slog.Logger

	lastTick atomic.Int64 // unix ms of the last drain that reached the api
}

func New(cfg Config, client QueueClient, log *slog.Logger) *Consumer {
	if cfg.MaxJobsPerTick < 1 {
		cfg.MaxJobsPerTick = 1
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}

	if log == nil {
		log = slog.Default()
	}

	return &Consumer{
		cfg:       cfg,
		client:    client,
		executors: map[string]Executor{},
		metrics:   observability.NewJobMetrics(),
		log:       log,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	c.lastTick.Store(time.Now().UnixMilli())

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.log.Info("consumer started",
		"tick_ms", c.cfg.TickInterval.Milliseconds(),
		"max_jobs_per_tick", c.cfg.MaxJobsPerTick,
	)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopped")
			return nil

		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

// drain processes up to MaxJobsPerTick jobs. The tick stamp only moves when
// the api answered, so readiness decays while the api is unreachable.
func (c *Consumer) drain(ctx context.Context) {
	for i := 0; i < c.cfg.MaxJobsPerTick; i++ {
		processed, err := c.ProcessOne(ctx)

		if err != nil {
			c.log.Error("tick aborted", "error", err)
			return
		}

		if !processed {
			break
		}
	}

	c.lastTick.Store(time.Now().UnixMilli())
}

// ProcessOne claims one job and drives it to a terminal report. It returns
// whether a job was claimed.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	lease, err := c.client.Dequeue(claimCtx)
	cancel()

	if err != nil {
		return false, err
	}

	if lease == nil {
		return false, nil
	}

	c.metrics.IncClaimed()
	c.log.Info("job claimed", "job_id", lease.ID, "type", lease.Type)

	start := time.Now()
	result, execErr := c.execute(ctx, *lease)
	c.metrics.ObserveDuration(time.Since(start))

	if execErr != nil {
		c.reportFailure(ctx, lease.ID, execErr)
		return true, nil
	}

	if err := c.client.Complete(ctx, lease.ID, result); err != nil {
		// the lease expires on its own, so the job gets reclaimed
		c.log.Error("complete report failed", "job_id", lease.ID, "error", err)
		return true, err
	}

	c.metrics.IncDone()
	c.log.Info("job done", "job_id", lease.ID, "duration_ms", time.Since(start).Milliseconds())

	return true, nil
}

func (c *Consumer) reportFailure(ctx context.Context, id string, execErr error) {
	c.metrics.IncFailed()

	outcome, err := c.client.Fail(ctx, id, execErr.Error())

	if err != nil {
		c.log.Error("fail report failed", "job_id", id, "error", err)
		return
	}

	if outcome.Retried {
		c.metrics.IncRetried()
		c.log.Warn("job failed, retry scheduled",
			"job_id", id,
			"attempts", outcome.Attempts,
			"max_attempts", outcome.MaxAttempts,
			"error", execErr.Error(),
		)
		return
	}

	c.metrics.IncExhausted()
	c.log.Error("job failed permanently",
		"job_id", id,
		"attempts", outcome.Attempts,
		"error", execErr.Error(),
	)
}
