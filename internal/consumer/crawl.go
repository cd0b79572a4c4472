package consumer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// caps how much of a response body a single crawl reads
const maxCrawlBytes = 2 << 20

// CrawlResult is the payload stored for a successful crawl job.
type CrawlResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Bytes       int64  `json:"bytes"`
	DurationMs  int64  `json:"durationMs"`
}

// NewCrawlExecutor fetches the job target over HTTP. Any non-2xx response
// counts as a failure.
func NewCrawlExecutor(timeout time.Duration) Executor {
	httpc := &http.Client{Timeout: timeout}

	return func(ctx context.Context, j LeasedJob) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.Target, nil)
		if err != nil {
			return nil, fmt.Errorf("bad target: %w", err)
		}

		req.Header.Set("User-Agent", "crawlq-consumer")

		start := time.Now()

		resp, err := httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("http %d", resp.StatusCode)
		}

		n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxCrawlBytes))
		if err != nil {
			return nil, err
		}

		return CrawlResult{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Bytes:       n,
			DurationMs:  time.Since(start).Milliseconds(),
		}, nil
	}
}
