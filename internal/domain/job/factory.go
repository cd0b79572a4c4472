package job

import (
	"fmt"
	"strings"
)

const (
	DefaultMaxAttempts = 3

	minMaxAttempts = 1
	maxMaxAttempts = 10
)

type CreateRequest struct {
	ID          string
	Type        Type
	Target      string
	CreatedAt   int64
	MaxAttempts int
}

func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, string(r.Type))
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalid)
	}
	if r.CreatedAt <= 0 {
		return fmt.Errorf("%w: createdAt is required", ErrInvalid)
	}
	return nil
}

// New builds the row enqueue inserts: queued, zero attempts, no schedule,
// updatedAt and sortAt stamped with the enqueue time. A zero MaxAttempts
// means the caller left it unset and takes the default.
func New(req CreateRequest, nowMS int64) Job {
	updated := nowMS

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return Job{
		ID:          req.ID,
		Type:        req.Type,
		Target:      req.Target,
		CreatedAt:   req.CreatedAt,
		Status:      StatusQueued,
		UpdatedAt:   &updated,
		Attempts:    0,
		MaxAttempts: ClampMaxAttempts(maxAttempts),
		SortAt:      nowMS,
	}
}

func ClampMaxAttempts(v int) int {
	if v < minMaxAttempts {
		return minMaxAttempts
	}
	if v > maxMaxAttempts {
		return maxMaxAttempts
	}
	return v
}

// CoerceMaxAttempts resolves the optional maxAttempts field of an enqueue
// body. Absent or non-numeric values fall back to the default; numbers are
// clamped. JSON numbers arrive as float64.
func CoerceMaxAttempts(v any) int {
	switch n := v.(type) {
	case nil:
		return DefaultMaxAttempts
	case float64:
		return ClampMaxAttempts(int(n))
	case int:
		return ClampMaxAttempts(n)
	case int64:
		return ClampMaxAttempts(int(n))
	default:
		return DefaultMaxAttempts
	}
}

// RetryBackoffMS is the delay applied when failure number nextAttempts is
// recorded: 10s, then 60s, then 300s for every failure after that.
func RetryBackoffMS(nextAttempts int) int64 {
	switch {
	case nextAttempts <= 1:
		return 10_000
	case nextAttempts == 2:
		return 60_000
	default:
		return 300_000
	}
}
