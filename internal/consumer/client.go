package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crawlq/crawlq/internal/domain/job"
	"github.com/google/uuid"
)

// LeasedJob is the unit of work handed out by the queue api.
type LeasedJob struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Target     string `json:"target"`
	CreatedAt  int64  `json:"createdAt"`
	LeaseUntil int64  `json:"-"`
}

// APIClient talks to the queue api with the internal bearer token.
type APIClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Dequeue leases the next eligible job. A nil job means the queue is empty.
func (c *APIClient) Dequeue(ctx context.Context) (*LeasedJob, error) {
	var resp struct {
		Job        *LeasedJob `json:"job"`
		LeaseUntil *int64     `json:"leaseUntil"`
	}

	if err := c.post(ctx, "/v1/jobs/dequeue", nil, &resp); err != nil {
		return nil, err
	}

	if resp.Job == nil {
		return nil, nil
	}

	if resp.LeaseUntil != nil {
		resp.Job.LeaseUntil = *resp.LeaseUntil
	}

	return resp.Job, nil
}

func (c *APIClient) Complete(ctx context.Context, id string, result any) error {
	body := map[string]any{"id": id}

	if result != nil {
		body["result"] = result
	}

	return c.post(ctx, "/v1/jobs/complete", body, nil)
}

func (c *APIClient) Fail(ctx context.Context, id, errMsg string) (job.FailOutcome, error) {
	var resp struct {
		OK bool `json:"ok"`
		job.FailOutcome
	}

	err := c.post(ctx, "/v1/jobs/fail", map[string]any{"id": id, "error": errMsg}, &resp)

	return resp.FailOutcome, err
}

func (c *APIClient) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("queue api %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(excerpt))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
