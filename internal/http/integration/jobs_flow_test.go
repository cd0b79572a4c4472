package integration__test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/crawlq/crawlq/internal/config"
	"github.com/crawlq/crawlq/internal/domain/job"
	apphttp "github.com/crawlq/crawlq/internal/http"
	"github.com/crawlq/crawlq/internal/store"
	"github.com/gin-gonic/gin"
)

const testToken = "test-internal-token"

func testConfig() config.Config {
	return config.Config{
		Env:              "test",
		Port:             0,
		InternalAPIToken: testToken,
	}
}

func setupQueueRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// keep middleware logs out of the test output
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return apphttp.NewRouter(testConfig(), db)
}

// authedRequest runs a request with the internal bearer token attached.

func authedRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+testToken)

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func anonRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func mustReadJSON[T any](t *testing.T, w *httptest.ResponseRecorder, out *T) {
	t.Helper()
	err := json.Unmarshal(w.Body.Bytes(), out)
	if err != nil {
		t.Fatalf("failed to unmarshal json: %v, body=%s", err, w.Body.String())
	}
}

type apiErrorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

type jobView struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Target       string         `json:"target"`
	CreatedAt    int64          `json:"createdAt"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"maxAttempts"`
	NextRunAt    *int64         `json:"nextRunAt"`
	LeaseUntil   *int64         `json:"leaseUntil"`
	Result       map[string]any `json:"result"`
	Error        *string        `json:"error"`
	CreatedAtIso string         `json:"createdAtIso"`
}

type enqueueResponse struct {
	OK       bool    `json:"ok"`
	Accepted bool    `json:"accepted"`
	Job      jobView `json:"job"`
}

type dequeueResponse struct {
	OK  bool `json:"ok"`
	Job *struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Target    string `json:"target"`
		CreatedAt int64  `json:"createdAt"`
	} `json:"job"`
	LeaseUntil *int64 `json:"leaseUntil"`
}

type getResponse struct {
	OK  bool     `json:"ok"`
	Job *jobView `json:"job"`
}

type failOutcomeResponse struct {
	OK          bool   `json:"ok"`
	Retried     bool   `json:"retried"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	NextRunAt   *int64 `json:"nextRunAt"`
}

type statsResponse struct {
	OK    bool              `json:"ok"`
	Stats []job.StatusCount `json:"stats"`
}

type listResponse struct {
	OK         bool      `json:"ok"`
	Items      []jobView `json:"items"`
	NextCursor *string   `json:"nextCursor"`
}

func enqueueJob(t *testing.T, router http.Handler, body string) jobView {
	t.Helper()

	w := authedRequest(router, http.MethodPost, "/v1/jobs/enqueue", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue got status %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp enqueueResponse
	mustReadJSON(t, w, &resp)

	if !resp.OK || !resp.Accepted || resp.Job.ID == "" {
		t.Fatalf("enqueue response incomplete: %s", w.Body.String())
	}

	return resp.Job
}

func getJob(t *testing.T, router http.Handler, id string) *jobView {
	t.Helper()

	w := authedRequest(router, http.MethodGet, "/v1/jobs/get?id="+id, "")

	if w.Code != http.StatusOK {
		t.Fatalf("get got status %d, body=%s", w.Code, w.Body.String())
	}

	var resp getResponse
	mustReadJSON(t, w, &resp)

	return resp.Job
}

func TestJobsIntegration_EnqueueDequeueCompletePurge(t *testing.T) {
	router := setupQueueRouter(t)

	created := enqueueJob(t, router, `{"type":"crawl","target":"https://example.com/page"}`)

	if created.Status != "queued" || created.Attempts != 0 || created.MaxAttempts != 3 {
		t.Fatalf("created job = %+v", created)
	}
	if created.CreatedAtIso == "" {
		t.Fatalf("expected ISO timestamp on the rendered job")
	}

	// lease it
	w := authedRequest(router, http.MethodPost, "/v1/jobs/dequeue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dequeue got status %d, body=%s", w.Code, w.Body.String())
	}

	var leased dequeueResponse
	mustReadJSON(t, w, &leased)

	if leased.Job == nil || leased.Job.ID != created.ID {
		t.Fatalf("dequeue leased %+v, want %s", leased.Job, created.ID)
	}
	if leased.Job.Target != "https://example.com/page" || leased.Job.CreatedAt != created.CreatedAt {
		t.Fatalf("leased job does not echo stored fields: %+v", leased.Job)
	}
	if leased.LeaseUntil == nil || *leased.LeaseUntil <= leased.Job.CreatedAt {
		t.Fatalf("leaseUntil = %v, want a future deadline", leased.LeaseUntil)
	}

	if got := getJob(t, router, created.ID); got == nil || got.Status != "processing" {
		t.Fatalf("after dequeue job = %+v, want processing", got)
	}

	// empty queue while the lease is live
	w = authedRequest(router, http.MethodPost, "/v1/jobs/dequeue", "")
	var drained dequeueResponse
	mustReadJSON(t, w, &drained)
	if drained.Job != nil {
		t.Fatalf("second dequeue leased %+v, want null", drained.Job)
	}

	// ack with a result payload
	w = authedRequest(router, http.MethodPost, "/v1/jobs/complete",
		`{"id":"`+created.ID+`","result":{"pages":5,"bytes":1024}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete got status %d, body=%s", w.Code, w.Body.String())
	}

	done := getJob(t, router, created.ID)
	if done == nil || done.Status != "done" {
		t.Fatalf("after complete job = %+v, want done", done)
	}
	if done.Result == nil || done.Result["pages"] != float64(5) {
		t.Fatalf("result did not round-trip: %+v", done.Result)
	}
	if done.LeaseUntil != nil || done.NextRunAt != nil {
		t.Fatalf("terminal job still scheduled: %+v", done)
	}

	// stats reflect the terminal row
	w = authedRequest(router, http.MethodGet, "/v1/jobs/stats", "")
	var stats statsResponse
	mustReadJSON(t, w, &stats)
	if len(stats.Stats) != 1 || stats.Stats[0].Status != "done" || stats.Stats[0].Count != 1 {
		t.Fatalf("stats = %+v, want single done row", stats.Stats)
	}

	// purge everything terminal
	beforeMs := time.Now().UnixMilli() + 60_000
	w = authedRequest(router, http.MethodPost, "/v1/jobs/purge",
		`{"beforeMs":`+strconv.FormatInt(beforeMs, 10)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("purge got status %d, body=%s", w.Code, w.Body.String())
	}

	var purged struct {
		OK         bool              `json:"ok"`
		BeforeMs   int64             `json:"beforeMs"`
		Deleted    int64             `json:"deleted"`
		StatsAfter []job.StatusCount `json:"statsAfter"`
	}
	mustReadJSON(t, w, &purged)

	if purged.Deleted != 1 || purged.BeforeMs != beforeMs {
		t.Fatalf("purge response = %+v", purged)
	}
	if len(purged.StatsAfter) != 0 {
		t.Fatalf("statsAfter = %+v, want empty", purged.StatsAfter)
	}

	if got := getJob(t, router, created.ID); got != nil {
		t.Fatalf("purged job still present: %+v", got)
	}
}

func TestJobsIntegration_FailRetriesThenExhausts(t *testing.T) {
	router := setupQueueRouter(t)

	created := enqueueJob(t, router, `{"type":"crawl","target":"https://example.com/flaky","maxAttempts":2}`)

	if created.MaxAttempts != 2 {
		t.Fatalf("maxAttempts = %d, want 2", created.MaxAttempts)
	}

	// first failure: retried with backoff
	w := authedRequest(router, http.MethodPost, "/v1/jobs/dequeue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dequeue got status %d, body=%s", w.Code, w.Body.String())
	}

	w = authedRequest(router, http.MethodPost, "/v1/jobs/fail",
		`{"id":"`+created.ID+`","error":"connection reset"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("fail got status %d, body=%s", w.Code, w.Body.String())
	}

	var first failOutcomeResponse
	mustReadJSON(t, w, &first)

	if !first.Retried || first.Attempts != 1 || first.MaxAttempts != 2 {
		t.Fatalf("first failure = %+v, want retry 1/2", first)
	}
	if first.NextRunAt == nil {
		t.Fatalf("first failure must schedule a retry")
	}

	// the retry is in the future, so the queue looks empty
	w = authedRequest(router, http.MethodPost, "/v1/jobs/dequeue", "")
	var idle dequeueResponse
	mustReadJSON(t, w, &idle)
	if idle.Job != nil {
		t.Fatalf("dequeue during backoff leased %+v, want null", idle.Job)
	}

	// second failure exhausts the budget
	w = authedRequest(router, http.MethodPost, "/v1/jobs/fail",
		`{"id":"`+created.ID+`","error":"connection reset again"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("second fail got status %d, body=%s", w.Code, w.Body.String())
	}

	var second failOutcomeResponse
	mustReadJSON(t, w, &second)

	if second.Retried || second.Attempts != 2 || second.NextRunAt != nil {
		t.Fatalf("second failure = %+v, want exhausted", second)
	}

	got := getJob(t, router, created.ID)
	if got == nil || got.Status != "failed" || got.Attempts != 2 {
		t.Fatalf("exhausted job = %+v", got)
	}
	if got.Error == nil || *got.Error != "connection reset again" {
		t.Fatalf("error = %v, want last failure message", got.Error)
	}

	// nothing left to lease
	w = authedRequest(router, http.MethodPost, "/v1/jobs/dequeue", "")
	var after dequeueResponse
	mustReadJSON(t, w, &after)
	if after.Job != nil {
		t.Fatalf("failed job leased again: %+v", after.Job)
	}
}

func TestJobsIntegration_FailUnknownJob(t *testing.T) {
	router := setupQueueRouter(t)

	w := authedRequest(router, http.MethodPost, "/v1/jobs/fail", `{"id":"ghost","error":"x"}`)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404, body=%s", w.Code, w.Body.String())
	}

	var e apiErrorResponse
	mustReadJSON(t, w, &e)
	if e.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", e.Error.Code)
	}
}

func TestJobsIntegration_ListPaginatesExactlyOnce(t *testing.T) {
	router := setupQueueRouter(t)

	want := map[string]bool{}
	for _, target := range []string{"a", "b", "c"} {
		j := enqueueJob(t, router, `{"type":"rank","target":"https://example.com/`+target+`"}`)
		want[j.ID] = false
	}

	seen := map[string]int{}

	w := authedRequest(router, http.MethodGet, "/v1/jobs/list?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list got status %d, body=%s", w.Code, w.Body.String())
	}

	var first listResponse
	mustReadJSON(t, w, &first)

	if len(first.Items) != 2 {
		t.Fatalf("first page = %d items, want 2", len(first.Items))
	}
	if first.NextCursor == nil {
		t.Fatalf("first page must carry a cursor")
	}
	for _, item := range first.Items {
		seen[item.ID]++
	}

	w = authedRequest(router, http.MethodGet, "/v1/jobs/list?limit=2&cursor="+*first.NextCursor, "")
	var second listResponse
	mustReadJSON(t, w, &second)

	if len(second.Items) != 1 {
		t.Fatalf("second page = %d items, want 1", len(second.Items))
	}
	if second.NextCursor != nil {
		t.Fatalf("second page cursor = %v, want null", *second.NextCursor)
	}
	for _, item := range second.Items {
		seen[item.ID]++
	}

	// pages sorted newest first
	if !(first.Items[0].CreatedAt >= first.Items[1].CreatedAt && first.Items[1].CreatedAt >= second.Items[0].CreatedAt) {
		t.Fatalf("pages out of order: %d, %d, %d",
			first.Items[0].CreatedAt, first.Items[1].CreatedAt, second.Items[0].CreatedAt)
	}

	for id := range want {
		if seen[id] != 1 {
			t.Fatalf("job %s visited %d times, want exactly once", id, seen[id])
		}
	}
}

func TestJobsIntegration_StatusFilterAndUnknownStatus(t *testing.T) {
	router := setupQueueRouter(t)

	keep := enqueueJob(t, router, `{"type":"crawl","target":"https://example.com/keep"}`)
	finish := enqueueJob(t, router, `{"type":"crawl","target":"https://example.com/finish"}`)

	w := authedRequest(router, http.MethodPost, "/v1/jobs/complete", `{"id":"`+finish.ID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete got status %d, body=%s", w.Code, w.Body.String())
	}

	w = authedRequest(router, http.MethodGet, "/v1/jobs/list?status=queued", "")
	var filtered listResponse
	mustReadJSON(t, w, &filtered)

	if len(filtered.Items) != 1 || filtered.Items[0].ID != keep.ID {
		t.Fatalf("queued filter returned %+v, want only %s", filtered.Items, keep.ID)
	}

	// an unknown status is ignored rather than rejected
	w = authedRequest(router, http.MethodGet, "/v1/jobs/list?status=zombie", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unknown status got %d, body=%s", w.Code, w.Body.String())
	}

	var unfiltered listResponse
	mustReadJSON(t, w, &unfiltered)

	if len(unfiltered.Items) != 2 {
		t.Fatalf("unknown status returned %d items, want all 2", len(unfiltered.Items))
	}
}

func TestJobsIntegration_InvalidCursorTreatedAsAbsent(t *testing.T) {
	router := setupQueueRouter(t)

	enqueueJob(t, router, `{"type":"crawl","target":"https://example.com/x"}`)

	w := authedRequest(router, http.MethodGet, "/v1/jobs/list?cursor=!!garbage!!", "")
	if w.Code != http.StatusOK {
		t.Fatalf("garbage cursor got status %d, want 200, body=%s", w.Code, w.Body.String())
	}

	var resp listResponse
	mustReadJSON(t, w, &resp)

	if len(resp.Items) != 1 {
		t.Fatalf("items = %d, want full first page", len(resp.Items))
	}
}
