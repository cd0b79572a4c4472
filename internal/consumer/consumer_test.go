package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crawlq/crawlq/internal/domain/job"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	DequeueFn  func(ctx context.Context) (*LeasedJob, error)
	CompleteFn func(ctx context.Context, id string, result any) error
	FailFn     func(ctx context.Context, id, errMsg string) (job.FailOutcome, error)
}

func (f *fakeQueue) Dequeue(ctx context.Context) (*LeasedJob, error) {
	if f.DequeueFn == nil {
		return nil, nil
	}
	return f.DequeueFn(ctx)
}

func (f *fakeQueue) Complete(ctx context.Context, id string, result any) error {
	if f.CompleteFn == nil {
		return nil
	}
	return f.CompleteFn(ctx, id, result)
}

func (f *fakeQueue) Fail(ctx context.Context, id, errMsg string) (job.FailOutcome, error) {
	if f.FailFn == nil {
		return job.FailOutcome{}, nil
	}
	return f.FailFn(ctx, id, errMsg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConsumer(q QueueClient) *Consumer {
	return New(Config{MaxJobsPerTick: 10, TickInterval: time.Second}, q, discardLogger())
}

func leaseOnce(j LeasedJob) func(ctx context.Context) (*LeasedJob, error) {
	handed := false

	return func(ctx context.Context) (*LeasedJob, error) {
		if handed {
			return nil, nil
		}
		handed = true
		copied := j
		return &copied, nil
	}
}

func TestProcessOneCompletesJob(t *testing.T) {
	var completedID string
	var completedResult any

	q := &fakeQueue{
		DequeueFn: leaseOnce(LeasedJob{ID: "j1", Type: "crawl", Target: "https://example.com/"}),
		CompleteFn: func(ctx context.Context, id string, result any) error {
			completedID = id
			completedResult = result
			return nil
		},
	}

	c := newTestConsumer(q)
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		return map[string]int{"pages": 3}, nil
	})

	processed, err := c.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatalf("expected a processed job")
	}

	if completedID != "j1" {
		t.Fatalf("completed id = %q, want j1", completedID)
	}
	if m, ok := completedResult.(map[string]int); !ok || m["pages"] != 3 {
		t.Fatalf("completed result = %#v", completedResult)
	}

	s := c.metrics.Snapshot()
	if s.Claimed != 1 || s.Done != 1 || s.Failed != 0 {
		t.Fatalf("metrics = %+v", s)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	executed := false

	c := newTestConsumer(&fakeQueue{})
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		executed = true
		return nil, nil
	})

	processed, err := c.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if processed || executed {
		t.Fatalf("processed=%v executed=%v, want neither", processed, executed)
	}
}

func TestProcessOneUnknownTypeReportsFailure(t *testing.T) {
	var failedMsg string

	q := &fakeQueue{
		DequeueFn: leaseOnce(LeasedJob{ID: "j2", Type: "rank", Target: "https://example.com/"}),
		FailFn: func(ctx context.Context, id, errMsg string) (job.FailOutcome, error) {
			failedMsg = errMsg
			return job.FailOutcome{Retried: true, Attempts: 1, MaxAttempts: 3}, nil
		},
	}

	c := newTestConsumer(q)

	processed, err := c.ProcessOne(context.Background())
	if err != nil || !processed {
		t.Fatalf("ProcessOne = (%v, %v), want processed", processed, err)
	}

	if failedMsg != "no executor for type rank" {
		t.Fatalf("fail message = %q", failedMsg)
	}

	s := c.metrics.Snapshot()
	if s.Failed != 1 || s.Retried != 1 || s.Exhausted != 0 {
		t.Fatalf("metrics = %+v", s)
	}
}

func TestProcessOneExhaustedFailureCounts(t *testing.T) {
	q := &fakeQueue{
		DequeueFn: leaseOnce(LeasedJob{ID: "j3", Type: "crawl", Target: "https://example.com/"}),
		FailFn: func(ctx context.Context, id, errMsg string) (job.FailOutcome, error) {
			return job.FailOutcome{Retried: false, Attempts: 3, MaxAttempts: 3}, nil
		},
	}

	c := newTestConsumer(q)
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		return nil, errors.New("connection refused")
	})

	if processed, err := c.ProcessOne(context.Background()); err != nil || !processed {
		t.Fatalf("ProcessOne = (%v, %v), want processed", processed, err)
	}

	s := c.metrics.Snapshot()
	if s.Failed != 1 || s.Exhausted != 1 || s.Retried != 0 {
		t.Fatalf("metrics = %+v", s)
	}
}

func TestProcessOneCompleteErrorPropagates(t *testing.T) {
	q := &fakeQueue{
		DequeueFn: leaseOnce(LeasedJob{ID: "j4", Type: "crawl", Target: "https://example.com/"}),
		CompleteFn: func(ctx context.Context, id string, result any) error {
			return errors.New("api unreachable")
		},
	}

	c := newTestConsumer(q)
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		return nil, nil
	})

	processed, err := c.ProcessOne(context.Background())
	if !processed {
		t.Fatalf("job was claimed, processed must be true")
	}
	if err == nil {
		t.Fatalf("expected the transport error to surface")
	}
}

func TestDrainStopsAtBudget(t *testing.T) {
	served := 0

	q := &fakeQueue{
		DequeueFn: func(ctx context.Context) (*LeasedJob, error) {
			served++
			return &LeasedJob{ID: "j", Type: "crawl", Target: "https://example.com/"}, nil
		},
	}

	c := New(Config{MaxJobsPerTick: 3, TickInterval: time.Second}, q, discardLogger())
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		return nil, nil
	})

	c.drain(context.Background())

	if served != 3 {
		t.Fatalf("dequeued %d jobs, want 3", served)
	}
	if c.lastTick.Load() == 0 {
		t.Fatalf("drain must stamp the tick")
	}
}

func TestDrainStopsWhenQueueEmpties(t *testing.T) {
	remaining := 2

	q := &fakeQueue{
		DequeueFn: func(ctx context.Context) (*LeasedJob, error) {
			if remaining == 0 {
				return nil, nil
			}
			remaining--
			return &LeasedJob{ID: "j", Type: "crawl", Target: "https://example.com/"}, nil
		},
	}

	c := newTestConsumer(q)
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		return nil, nil
	})

	c.drain(context.Background())

	if s := c.metrics.Snapshot(); s.Done != 2 {
		t.Fatalf("done = %d, want 2", s.Done)
	}
}

func TestDrainSkipsTickStampOnTransportError(t *testing.T) {
	q := &fakeQueue{
		DequeueFn: func(ctx context.Context) (*LeasedJob, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}

	c := newTestConsumer(q)
	c.drain(context.Background())

	if got := c.lastTick.Load(); got != 0 {
		t.Fatalf("lastTick = %d, want unchanged on transport error", got)
	}
}

func TestHealthHandlerReadiness(t *testing.T) {
	c := newTestConsumer(&fakeQueue{})
	h := c.HealthHandler()

	// no tick recorded yet
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before first tick got %d, want 503", w.Code)
	}

	c.drain(context.Background())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz after tick got %d, body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz got %d", w.Code)
	}
}

func TestHealthHandlerMetricsSnapshot(t *testing.T) {
	q := &fakeQueue{
		DequeueFn: leaseOnce(LeasedJob{ID: "j5", Type: "crawl", Target: "https://example.com/"}),
	}

	c := newTestConsumer(q)
	c.Register("crawl", func(ctx context.Context, j LeasedJob) (any, error) {
		return nil, nil
	})

	if _, err := c.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	w := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("metrics got %d", w.Code)
	}

	body := w.Body.String()
	for _, key := range []string{`"claimed":1`, `"done":1`} {
		if !strings.Contains(body, key) {
			t.Fatalf("metrics body missing %s: %s", key, body)
		}
	}
}
