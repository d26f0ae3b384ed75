package jobdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/owlpress/guideline-pipeline/internal/model"
)

// ErrJobNotFound is returned when a job_id has no row.
var ErrJobNotFound = errors.New("job not found")

// InsertJob inserts job as a new row, with its fields (status included)
// written as given.
func (s *Store) InsertJob(ctx context.Context, tx *sql.Tx, job *model.Job) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO jobs (job_id, book_id, job_type, status, total_items, completed_items, failed_items,
			current_item, last_completed_item, progress_detail, heartbeat_at, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.JobID, job.BookID, string(job.JobType), string(job.Status), job.TotalItems,
		job.CompletedItems, job.FailedItems, job.CurrentItem, job.LastCompletedItem, job.ProgressDetail,
		nullTime(job.HeartbeatAt), job.StartedAt, nullTimePtr(job.CompletedAt), nullString(job.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ActiveJobForBook returns the pending/running job for a book, if any,
// reading inside tx when one is given. No row lock is taken; callers get
// serialization from the store's single database connection.
func (s *Store) ActiveJobForBook(ctx context.Context, tx *sql.Tx, bookID string) (*model.Job, error) {
	row := s.queryer(tx).QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE book_id = ? AND status IN ('pending', 'running')
		LIMIT 1
	`, bookID)
	return scanJob(row)
}

// GetJob returns a job by ID, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, tx *sql.Tx, jobID string) (*model.Job, error) {
	row := s.queryer(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// LatestJobForBook returns the most recent job for a book by started_at,
// optionally filtered by job type.
func (s *Store) LatestJobForBook(ctx context.Context, tx *sql.Tx, bookID string, jobType model.JobType) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE book_id = ?`
	args := []any{bookID}
	if jobType != "" {
		query += ` AND job_type = ?`
		args = append(args, string(jobType))
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	row := s.queryer(tx).QueryRowContext(ctx, query, args...)
	return scanJob(row)
}

// UpdateJobFields applies an absolute (non-delta) progress update. Returns
// ErrJobNotFound if the job_id doesn't exist; the
// caller is responsible for checking status==running before calling this,
// since it unconditionally writes.
func (s *Store) UpdateJobFields(ctx context.Context, tx *sql.Tx, jobID string, currentItem, completed, failed int, lastCompletedItem *int, detail *string, heartbeat time.Time) error {
	query := `UPDATE jobs SET current_item = ?, completed_items = ?, failed_items = ?, heartbeat_at = ?`
	args := []any{currentItem, completed, failed, heartbeat}
	if lastCompletedItem != nil {
		query += `, last_completed_item = ?`
		args = append(args, *lastCompletedItem)
	}
	if detail != nil {
		query += `, progress_detail = ?`
		args = append(args, *detail)
	}
	query += ` WHERE job_id = ?`
	args = append(args, jobID)

	res, err := s.execer(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return checkRowsAffected(res)
}

// SetJobStatus transitions a job to a new status, stamping heartbeat_at
// (running) or completed_at/error_message (terminal states) as needed.
func (s *Store) SetJobStatus(ctx context.Context, tx *sql.Tx, jobID string, status model.JobStatus, heartbeat time.Time, completedAt *time.Time, errMsg string) error {
	res, err := s.execer(tx).ExecContext(ctx, `
		UPDATE jobs SET status = ?, heartbeat_at = ?, completed_at = ?, error_message = ? WHERE job_id = ?
	`, string(status), nullTime(heartbeat), nullTimePtr(completedAt), nullString(errMsg), jobID)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return checkRowsAffected(res)
}

const jobColumns = `job_id, book_id, job_type, status, total_items, completed_items, failed_items,
	current_item, last_completed_item, progress_detail, heartbeat_at, started_at, completed_at, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var jobType, status string
	var totalItems, currentItem, lastCompletedItem sql.NullInt64
	var progressDetail, errMsg sql.NullString
	var heartbeat, completedAt sql.NullTime

	err := row.Scan(&j.JobID, &j.BookID, &jobType, &status, &totalItems, &j.CompletedItems, &j.FailedItems,
		&currentItem, &lastCompletedItem, &progressDetail, &heartbeat, &j.StartedAt, &completedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.TotalItems = int(totalItems.Int64)
	j.CurrentItem = int(currentItem.Int64)
	j.LastCompletedItem = int(lastCompletedItem.Int64)
	j.ProgressDetail = progressDetail.String
	j.ErrorMessage = errMsg.String
	if heartbeat.Valid {
		j.HeartbeatAt = heartbeat.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(tx *sql.Tx) execQueryer {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) queryer(tx *sql.Tx) execQueryer {
	return s.execer(tx)
}
