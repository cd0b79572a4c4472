package job

import (
	"errors"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal states are only ever left via purge.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

type Type string

const (
	TypeCrawl Type = "crawl"
	TypeRank  Type = "rank"
)

func (t Type) Valid() bool {
	return t == TypeCrawl || t == TypeRank
}

// LeaseMS bounds how long a dequeued job may stay processing without an ack
// before it becomes eligible for re-lease.
const LeaseMS int64 = 120_000

var (
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job already exists")
	ErrInvalid  = errors.New("invalid job")
)

// All timestamps are epoch milliseconds. Nullable columns map to pointers.
type Job struct {
	ID          string  `json:"id"`
	Type        Type    `json:"type"`
	Target      string  `json:"target"`
	CreatedAt   int64   `json:"createdAt"`
	Status      Status  `json:"status"`
	UpdatedAt   *int64  `json:"updatedAt,omitempty"`
	LeaseUntil  *int64  `json:"leaseUntil,omitempty"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"maxAttempts"`
	NextRunAt   *int64  `json:"nextRunAt,omitempty"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
	SortAt      int64   `json:"sortAt"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// FailOutcome reports what a recorded failure did to the job: requeued with
// backoff, or moved to failed because the attempt budget ran out.
type FailOutcome struct {
	Retried     bool   `json:"retried"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	NextRunAt   *int64 `json:"nextRunAt,omitempty"`
}
