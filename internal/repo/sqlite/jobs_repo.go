package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/crawlq/crawlq/internal/domain/job"
	"github.com/crawlq/crawlq/internal/observability"
	"github.com/crawlq/crawlq/internal/utils"
	sqlite3 "modernc.org/sqlite"
)

const jobColumns = `id, type, target, created_at, status, updated_at, lease_until, attempts, max_attempts, next_run_at, result, error, sort_at`

type JobsRepo struct {
	db   *sql.DB
	prom *observability.Prom

	// mu serializes every mutation on the queue instance so the
	// select-and-update inside ClaimNext is atomic against all other
	// writers. Reads go straight to the pool and see committed snapshots.
	mu sync.Mutex

	now func() int64
}

func NewJobsRepo(db *sql.DB, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{
		db:   db,
		prom: prom,
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *JobsRepo) countQueueOp(op, outcome string) {
	if r.prom != nil {
		r.prom.QueueOps.WithLabelValues(op, outcome).Inc()
	}
}

func IsUniqueViolation(err error) bool {
	var se *sqlite3.Error

	if errors.As(err, &se) {
		switch se.Code() {
		case 1555, 2067: // SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
			return true
		}
	}
	return false
}

func (r *JobsRepo) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Insert admits a new job in state queued. A duplicate id surfaces as
// job.ErrConflict.
func (r *JobsRepo) Insert(ctx context.Context, req job.CreateRequest) (job.Job, error) {
	if err := req.Validate(); err != nil {
		return job.Job{}, err
	}

	j := job.New(req, r.now())
	op := "jobs.insert"

	err := r.observe(op, func() error {
		return r.withWriteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO jobs (
				id, type, target, created_at, status, updated_at, lease_until,
				attempts, max_attempts, next_run_at, result, error, sort_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				j.ID, string(j.Type), j.Target, j.CreatedAt, string(j.Status),
				j.UpdatedAt, j.LeaseUntil, j.Attempts, j.MaxAttempts,
				j.NextRunAt, j.Result, j.Error, j.SortAt,
			)
			return err
		})
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return job.Job{}, job.ErrConflict
		}
		return job.Job{}, err
	}

	r.countQueueOp("enqueue", "ok")
	return j, nil
}

// ClaimNext leases the oldest eligible job: queued and due, or processing
// with an expired lease (the reclaim path, which leaves attempts alone).
// Returns job.ErrNotFound when nothing is eligible.
func (r *JobsRepo) ClaimNext(ctx context.Context) (job.Job, error) {
	now := r.now()

	var j job.Job
	op := "jobs.claim_next"

	err := r.observe(op, func() error {
		return r.withWriteTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				SELECT `+jobColumns+`
				FROM jobs
				WHERE (status = 'queued' AND (next_run_at IS NULL OR next_run_at <= ?))
				   OR (status = 'processing' AND lease_until IS NOT NULL AND lease_until < ?)
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			`, now, now)

			var err error
			j, err = scanJob(row)
			if err != nil {
				return err
			}

			lease := now + job.LeaseMS

			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'processing',
				    lease_until = ?,
				    next_run_at = NULL,
				    updated_at = ?,
				    sort_at = ?
				WHERE id = ?
			`, lease, now, now, j.ID)
			if err != nil {
				return err
			}

			updated := now
			j.Status = job.StatusProcessing
			j.LeaseUntil = &lease
			j.NextRunAt = nil
			j.UpdatedAt = &updated
			j.SortAt = now
			return nil
		})
	})

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.countQueueOp("dequeue", "empty")
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}

	r.countQueueOp("dequeue", "leased")
	return j, nil
}

// Complete records a finished job. The update is deliberately ungated: any
// id, in any prior state or no state at all, is accepted, which keeps
// consumer acks safe across crashes and reclaims.
func (r *JobsRepo) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := r.now()
	stored := encodeResult(result)
	op := "jobs.complete"

	err := r.observe(op, func() error {
		return r.withWriteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'done',
				    result = ?,
				    error = NULL,
				    lease_until = NULL,
				    next_run_at = NULL,
				    updated_at = ?,
				    sort_at = ?
				WHERE id = ?
			`, stored, now, now, id)
			return err
		})
	})

	if err != nil {
		return err
	}

	r.countQueueOp("complete", "ok")
	return nil
}

// Fail records a failure for the job. The attempt counter advances, and the
// job either requeues with backoff or, with the budget spent, lands in
// failed. Unknown ids return job.ErrNotFound.
func (r *JobsRepo) Fail(ctx context.Context, id string, errMsg string) (job.FailOutcome, error) {
	now := r.now()

	var out job.FailOutcome
	op := "jobs.fail"

	err := r.observe(op, func() error {
		return r.withWriteTx(ctx, func(tx *sql.Tx) error {
			var attempts, maxAttempts int

			err := tx.QueryRowContext(ctx,
				`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id,
			).Scan(&attempts, &maxAttempts)
			if err != nil {
				return err
			}

			next := attempts + 1
			out = job.FailOutcome{Attempts: next, MaxAttempts: maxAttempts}

			if next < maxAttempts {
				runAt := now + job.RetryBackoffMS(next)
				out.Retried = true
				out.NextRunAt = &runAt

				_, err = tx.ExecContext(ctx, `
					UPDATE jobs
					SET status = 'queued',
					    attempts = ?,
					    next_run_at = ?,
					    lease_until = NULL,
					    error = ?,
					    updated_at = ?,
					    sort_at = ?
					WHERE id = ?
				`, next, runAt, errMsg, now, now, id)
				return err
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'failed',
				    attempts = ?,
				    next_run_at = NULL,
				    lease_until = NULL,
				    error = ?,
				    updated_at = ?,
				    sort_at = ?
				WHERE id = ?
			`, next, errMsg, now, now, id)
			return err
		})
	})

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.FailOutcome{}, job.ErrNotFound
		}
		return job.FailOutcome{}, err
	}

	if out.Retried {
		r.countQueueOp("fail", "retried")
	} else {
		r.countQueueOp("fail", "exhausted")
	}
	return out, nil
}

func (r *JobsRepo) GetByID(ctx context.Context, id string) (job.Job, error) {
	var j job.Job
	op := "jobs.get_by_id"

	err := r.observe(op, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

		var err error
		j, err = scanJob(row)
		return err
	})

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}

	return j, nil
}

func (r *JobsRepo) Stats(ctx context.Context) ([]job.StatusCount, error) {
	op := "jobs.stats"

	var rows *sql.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.db.QueryContext(ctx, `
			SELECT status, COUNT(*)
			FROM jobs
			GROUP BY status
			ORDER BY status ASC
		`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]job.StatusCount, 0, 4)

	for rows.Next() {
		var sc job.StatusCount
		if scanErr := rows.Scan(&sc.Status, &sc.Count); scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sc)
	}

	return out, rows.Err()
}

// ListCursor pages jobs in (sort_at DESC, id DESC) order. A nil cursor
// starts from the top; a non-nil one resumes strictly below its position.
// nextCursor is set only when a further page exists.
func (r *JobsRepo) ListCursor(
	ctx context.Context,
	status *string,
	limit int,
	cur *utils.JobCursor,
) (items []job.Job, nextCursor *string, hasMore bool, err error) {
	op := "jobs.list_cursor"

	base := `SELECT ` + jobColumns + ` FROM jobs`

	var (
		conds []string
		args  []any
	)

	if status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *status)
	}

	if cur != nil {
		// DESC keyset: rows strictly older than the cursor position
		conds = append(conds, "(sort_at < ? OR (sort_at = ? AND id < ?))")
		args = append(args, cur.SortAt, cur.SortAt, cur.ID)
	}

	q := base
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	q += " ORDER BY sort_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	var rows *sql.Rows

	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.db.QueryContext(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]job.Job, 0, limit)

	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, nil, false, scanErr
		}
		out = append(out, j)
	}

	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]

		curStr, encErr := utils.EncodeJobCursor(last.SortAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &curStr
	}

	return out, nextCursor, hasMore, nil
}

// Purge deletes terminal rows whose sort_at is older than beforeMS and
// reports how many went away. Live rows are never touched.
func (r *JobsRepo) Purge(ctx context.Context, beforeMS int64) (int64, error) {
	var deleted int64
	op := "jobs.purge"

	err := r.observe(op, func() error {
		return r.withWriteTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE status IN ('done', 'failed') AND sort_at < ?
			`, beforeMS)
			if err != nil {
				return err
			}

			deleted, err = res.RowsAffected()
			return err
		})
	})

	if err != nil {
		return 0, err
	}

	r.countQueueOp("purge", "ok")
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(rs rowScanner) (job.Job, error) {
	var (
		j           job.Job
		typ, status string

		updatedAt, leaseUntil, nextRunAt, sortAt sql.NullInt64
		result, errMsg                           sql.NullString
	)

	err := rs.Scan(
		&j.ID, &typ, &j.Target, &j.CreatedAt, &status,
		&updatedAt, &leaseUntil, &j.Attempts, &j.MaxAttempts,
		&nextRunAt, &result, &errMsg, &sortAt,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.Type = job.Type(typ)
	j.Status = job.Status(status)

	if updatedAt.Valid {
		v := updatedAt.Int64
		j.UpdatedAt = &v
	}
	if leaseUntil.Valid {
		v := leaseUntil.Int64
		j.LeaseUntil = &v
	}
	if nextRunAt.Valid {
		v := nextRunAt.Int64
		j.NextRunAt = &v
	}
	if result.Valid {
		v := result.String
		j.Result = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		j.Error = &v
	}
	if sortAt.Valid {
		j.SortAt = sortAt.Int64
	}

	return j, nil
}

func encodeResult(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}

	s := string(raw)
	if s == "null" {
		return nil
	}
	return &s
}
