package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crawlq/crawlq/internal/config"
	"github.com/crawlq/crawlq/internal/domain/job"
	"github.com/crawlq/crawlq/internal/http/middlewares"
	"github.com/crawlq/crawlq/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	opTimeout = 2 * time.Second
)

type JobsQueue interface {
	Insert(ctx context.Context, req job.CreateRequest) (job.Job, error)
	ClaimNext(ctx context.Context) (job.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id, errMsg string) (job.FailOutcome, error)
	GetByID(ctx context.Context, id string) (job.Job, error)
	Stats(ctx context.Context) ([]job.StatusCount, error)
	ListCursor(ctx context.Context, status *string, limit int, cur *utils.JobCursor) ([]job.Job, *string, bool, error)
	Purge(ctx context.Context, beforeMS int64) (int64, error)
}

type JobsHandler struct {
	queue JobsQueue
}

func NewJobsHandler(queue JobsQueue) *JobsHandler {
	return &JobsHandler{queue: queue}
}

type enqueueRequest struct {
	Type        string `json:"type" binding:"required,oneof=crawl rank"`
	Target      string `json:"target" binding:"required"`
	MaxAttempts any    `json:"maxAttempts"`
}

type completeRequest struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

type failRequest struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type purgeRequest struct {
	BeforeMs *int64 `json:"beforeMs"`
}

// leasedJob is the slim shape handed to consumers on dequeue.
type leasedJob struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Target    string `json:"target"`
	CreatedAt int64  `json:"createdAt"`
}

type failResponse struct {
	OK bool `json:"ok"`
	job.FailOutcome
}

// POST /v1/jobs/enqueue

func (h *JobsHandler) Enqueue(ctx *gin.Context) {
	var req enqueueRequest

	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	j, err := h.queue.Insert(cctx, job.CreateRequest{
		ID:          uuid.NewString(),
		Type:        job.Type(req.Type),
		Target:      req.Target,
		CreatedAt:   time.Now().UnixMilli(),
		MaxAttempts: job.CoerceMaxAttempts(req.MaxAttempts),
	})

	if err != nil {
		switch {
		case errors.Is(err, job.ErrConflict):
			RespondConflict(ctx, "conflict", "Job id already exists")
		case errors.Is(err, job.ErrInvalid):
			RespondBadRequest(ctx, "invalid_body", "Invalid request body", gin.H{"reason": err.Error()})
		default:
			RespondInternal(ctx, "enqueue_failed", "Could not enqueue job")
		}
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"ok":       true,
		"accepted": true,
		"job":      job.NewView(j),
	})
	ctx.Set(middlewares.CtxJobID, j.ID)
	slog.Default().InfoContext(ctx.Request.Context(), "job.enqueue",
		"request_id", requestIDFrom(ctx),
		"job_id", j.ID,
		"job_type", string(j.Type),
	)
}

// POST /v1/jobs/dequeue

func (h *JobsHandler) Dequeue(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	j, err := h.queue.ClaimNext(cctx)

	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			ctx.JSON(http.StatusOK, gin.H{"ok": true, "job": nil})
			return
		}

		RespondInternal(ctx, "dequeue_failed", "Could not dequeue job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"ok": true,
		"job": leasedJob{
			ID:        j.ID,
			Type:      string(j.Type),
			Target:    j.Target,
			CreatedAt: j.CreatedAt,
		},
		"leaseUntil": j.LeaseUntil,
	})
	ctx.Set(middlewares.CtxJobID, j.ID)
	slog.Default().InfoContext(ctx.Request.Context(), "job.dequeue",
		"request_id", requestIDFrom(ctx),
		"job_id", j.ID,
		"job_type", string(j.Type),
		"attempts", j.Attempts,
	)
}

// POST /v1/jobs/complete

func (h *JobsHandler) Complete(ctx *gin.Context) {
	if ctx.Request.ContentLength == 0 {
		RespondBadRequest(ctx, "missing_id", "id is required", nil)
		return
	}

	var req completeRequest

	if !BindJSON(ctx, &req) {
		return
	}

	if strings.TrimSpace(req.ID) == "" {
		RespondBadRequest(ctx, "missing_id", "id is required", nil)
		return
	}

	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	if err := h.queue.Complete(cctx, req.ID, req.Result); err != nil {
		RespondInternal(ctx, "complete_failed", "Could not complete job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"ok": true})
	ctx.Set(middlewares.CtxJobID, req.ID)
	slog.Default().InfoContext(ctx.Request.Context(), "job.complete",
		"request_id", requestIDFrom(ctx),
		"job_id", req.ID,
	)
}

// POST /v1/jobs/fail

func (h *JobsHandler) Fail(ctx *gin.Context) {
	if ctx.Request.ContentLength == 0 {
		RespondBadRequest(ctx, "missing_id", "id is required", nil)
		return
	}

	var req failRequest

	if !BindJSON(ctx, &req) {
		return
	}

	if strings.TrimSpace(req.ID) == "" {
		RespondBadRequest(ctx, "missing_id", "id is required", nil)
		return
	}

	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	out, err := h.queue.Fail(cctx, req.ID, req.Error)

	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}

		RespondInternal(ctx, "fail_failed", "Could not record job failure")
		return
	}

	ctx.JSON(http.StatusOK, failResponse{OK: true, FailOutcome: out})
	ctx.Set(middlewares.CtxJobID, req.ID)
	slog.Default().InfoContext(ctx.Request.Context(), "job.fail",
		"request_id", requestIDFrom(ctx),
		"job_id", req.ID,
		"retried", out.Retried,
		"attempts", out.Attempts,
	)
}

// GET /v1/jobs/get?id=...

func (h *JobsHandler) Get(ctx *gin.Context) {
	id := strings.TrimSpace(ctx.Query("id"))

	if id == "" {
		RespondBadRequest(ctx, "missing_id", "id is required", nil)
		return
	}

	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	j, err := h.queue.GetByID(cctx, id)

	if err != nil {
		// lookup of an unknown id is not an error
		if errors.Is(err, job.ErrNotFound) {
			ctx.JSON(http.StatusOK, gin.H{"ok": true, "job": nil})
			return
		}

		RespondInternal(ctx, "get_failed", "Could not load job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"ok": true, "job": job.NewView(j)})
}

// GET /v1/jobs/stats

func (h *JobsHandler) Stats(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	stats, err := h.queue.Stats(cctx)

	if err != nil {
		RespondInternal(ctx, "stats_failed", "Could not load stats")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"ok": true, "stats": stats})
}

// GET /v1/jobs/list?status=&limit=&cursor=

func (h *JobsHandler) List(ctx *gin.Context) {
	limit := parseListLimit(ctx.Query("limit"))

	var status *string
	if s := ctx.Query("status"); s != "" && job.Status(s).Valid() {
		status = &s
	}

	// a cursor that fails to decode is treated as absent
	var cur *utils.JobCursor
	if raw := ctx.Query("cursor"); raw != "" {
		if c, err := utils.DecodeJobCursor(raw); err == nil {
			cur = &c
		}
	}

	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	items, nextCursor, _, err := h.queue.ListCursor(cctx, status, limit, cur)

	if err != nil {
		RespondInternal(ctx, "list_failed", "Could not list jobs")
		return
	}

	views := make([]job.View, 0, len(items))
	for _, j := range items {
		views = append(views, job.NewView(j))
	}

	ctx.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"items":      views,
		"nextCursor": nextCursor,
	})
}

// POST /v1/jobs/purge

func (h *JobsHandler) Purge(ctx *gin.Context) {
	if ctx.Request.ContentLength == 0 {
		RespondBadRequest(ctx, "missing_beforeMs", "beforeMs is required", nil)
		return
	}

	var req purgeRequest

	if !BindJSON(ctx, &req) {
		return
	}

	if req.BeforeMs == nil {
		RespondBadRequest(ctx, "missing_beforeMs", "beforeMs is required", nil)
		return
	}

	cctx, cancel := config.WithTimeout(opTimeout)
	defer cancel()

	deleted, err := h.queue.Purge(cctx, *req.BeforeMs)

	if err != nil {
		RespondInternal(ctx, "purge_failed", "Could not purge jobs")
		return
	}

	stats, err := h.queue.Stats(cctx)

	if err != nil {
		RespondInternal(ctx, "purge_failed", "Could not load stats after purge")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"beforeMs":   *req.BeforeMs,
		"deleted":    deleted,
		"statsAfter": stats,
	})
	slog.Default().InfoContext(ctx.Request.Context(), "job.purge",
		"request_id", requestIDFrom(ctx),
		"before_ms", *req.BeforeMs,
		"deleted", deleted,
	)
}

func parseListLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultListLimit
	}

	if n < 1 {
		return 1
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
