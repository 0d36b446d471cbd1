package repo

import (
	"context"
	"database/sql"
	"strings"

	"portability/internal/domain"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

const jobColumns = `id,kind,request_id,service,status,attempts,COALESCE(last_error,''),run_at,created_at,updated_at`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Kind, &j.RequestID, &j.Service, &j.Status, &j.Attempts, &j.LastError, &j.RunAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

// InsertJob stores a job unless one with the same dedupe key already exists.
// It reports whether a row was inserted.
func (r Repo) InsertJob(ctx context.Context, dedupeKey string, j domain.Job) (bool, error) {
	return insertJob(ctx, r.DB, dedupeKey, j)
}

// InsertJobTx is InsertJob inside tx; the job becomes visible to workers on commit.
func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, dedupeKey string, j domain.Job) (bool, error) {
	return insertJob(ctx, tx, dedupeKey, j)
}

func insertJob(ctx context.Context, q querier, dedupeKey string, j domain.Job) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO jobs(id,dedupe_key,kind,request_id,service,status,attempts,last_error,run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(dedupe_key) DO NOTHING`,
		j.ID, dedupeKey, j.Kind, j.RequestID, j.Service, j.Status, j.Attempts, nullable(j.LastError), j.RunAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// DueJobs returns pending jobs whose run_at is not after now, oldest first.
func (r Repo) DueJobs(ctx context.Context, now string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? AND run_at<=? ORDER BY run_at ASC, created_at ASC LIMIT ?`,
		JobPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJob moves a pending job to running. Only one caller can win the claim.
func (r Repo) ClaimJob(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=attempts+1, updated_at=? WHERE id=? AND status=?`,
		JobRunning, now, id, JobPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishJob records the outcome of a running job.
func (r Repo) FinishJob(ctx context.Context, id, status, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullable(lastError), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryJob puts a failed job back in the queue to run at runAt.
func (r Repo) RetryJob(ctx context.Context, id, runAt, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, run_at=?, updated_at=? WHERE id=? AND status=?`,
		JobPending, runAt, now, id, JobFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobNotFailed
	}
	return nil
}

// ResetRunningJobs returns jobs claimed before staleBefore and still running to the queue.
// Jobs claimed later may belong to a live worker in another process and are left alone.
func (r Repo) ResetRunningJobs(ctx context.Context, staleBefore, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE status=? AND updated_at<?`,
		JobPending, now, JobRunning, staleBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type JobFilters struct {
	Status    string
	RequestID string
	Kind      string
	Limit     int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
