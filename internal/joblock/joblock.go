// Package joblock implements the job lock and lifecycle state machine
// (C1): per-book mutual exclusion, heartbeat-based stale detection, and
// progress tracking, all backed by internal/jobdb.
//
// All job state transitions go through this package. No other code may
// update a job row directly.
package joblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owlpress/guideline-pipeline/internal/jobdb"
	"github.com/owlpress/guideline-pipeline/internal/model"
)

// DefaultStaleThreshold is the maximum age of a running job's heartbeat
// before any reader may transition it to failed.
const DefaultStaleThreshold = 2 * time.Minute

// ErrLockBusy is returned by Acquire when a live pending/running job
// already exists for the book.
type ErrLockBusy struct {
	ActiveType model.JobType
	StartedAt  time.Time
}

func (e *ErrLockBusy) Error() string {
	return fmt.Sprintf("job already active for book: %s (started %s)", e.ActiveType, e.StartedAt.Format(time.RFC3339))
}

// ErrInvalidState is returned when a requested transition doesn't apply
// to the job's current status.
var ErrInvalidState = errors.New("invalid job state transition")

// Service manages job locks for a given store, with a configurable stale
// threshold.
type Service struct {
	store          *jobdb.Store
	staleThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStaleThreshold overrides the default stale threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Service) { s.staleThreshold = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a job lock service backed by store.
func NewService(store *jobdb.Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		staleThreshold: DefaultStaleThreshold,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire creates a new pending job for book_id. If an existing
// pending/running job is found and it's a stale running job, it is first
// transitioned to failed; otherwise Acquire returns *ErrLockBusy.
func (s *Service) Acquire(ctx context.Context, bookID string, jobType model.JobType, totalItems int) (string, error) {
	var jobID string

	err := s.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		existing, err := s.store.ActiveJobForBook(ctx, tx, bookID)
		if err != nil && !errors.Is(err, jobdb.ErrJobNotFound) {
			return err
		}

		if existing != nil {
			if existing.Status == model.JobStatusRunning && s.isStale(existing) {
				if err := s.markStaleLocked(ctx, tx, existing); err != nil {
					return err
				}
			} else {
				return &ErrLockBusy{ActiveType: existing.JobType, StartedAt: existing.StartedAt}
			}
		}

		jobID = uuid.NewString()
		job := &model.Job{
			JobID:      jobID,
			BookID:     bookID,
			JobType:    jobType,
			Status:     model.JobStatusPending,
			TotalItems: totalItems,
			StartedAt:  s.now(),
		}
		if err := s.store.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		s.logger.Info("job acquired", "job_id", jobID, "book_id", bookID, "job_type", jobType)
		return nil
	})
	if err != nil {
		var busy *ErrLockBusy
		if errors.As(err, &busy) {
			return "", busy
		}
		// The partial unique index backstops the application check above: a
		// competing acquire that slipped between the check and the insert
		// surfaces here as a constraint violation, not as a found row.
		if isUniqueConstraintErr(err) {
			busy = &ErrLockBusy{}
			if active, lookupErr := s.store.ActiveJobForBook(ctx, nil, bookID); lookupErr == nil {
				busy.ActiveType = active.JobType
				busy.StartedAt = active.StartedAt
			}
			return "", busy
		}
		return "", err
	}
	return jobID, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Start transitions pending -> running, stamping heartbeat_at. Returns
// ErrInvalidState if the job isn't pending.
func (s *Service) Start(ctx context.Context, jobID string) error {
	return s.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		job, err := s.store.GetJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != model.JobStatusPending {
			return fmt.Errorf("%w: cannot start job in %q state", ErrInvalidState, job.Status)
		}
		return s.store.SetJobStatus(ctx, tx, jobID, model.JobStatusRunning, s.now(), nil, "")
	})
}

// UpdateProgress applies an absolute progress snapshot. It silently
// no-ops if the job isn't running (the worker may be racing with stale
// detection).
func (s *Service) UpdateProgress(ctx context.Context, jobID string, currentItem, completed, failed int, lastCompletedItem *int, detail *string) error {
	job, err := s.store.GetJob(ctx, nil, jobID)
	if err != nil {
		if errors.Is(err, jobdb.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if job.Status != model.JobStatusRunning {
		return nil
	}
	return s.store.UpdateJobFields(ctx, nil, jobID, currentItem, completed, failed, lastCompletedItem, detail, s.now())
}

// Release transitions {pending, running} -> the given terminal status. It
// no-ops (logging) if the job is missing or already terminal.
func (s *Service) Release(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	if status != model.JobStatusCompleted && status != model.JobStatusFailed {
		return fmt.Errorf("%w: release target must be completed or failed, got %q", ErrInvalidState, status)
	}

	return s.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		job, err := s.store.GetJob(ctx, tx, jobID)
		if err != nil {
			if errors.Is(err, jobdb.ErrJobNotFound) {
				s.logger.Warn("cannot release lock: job not found", "job_id", jobID)
				return nil
			}
			return err
		}
		if job.Status != model.JobStatusPending && job.Status != model.JobStatusRunning {
			s.logger.Warn("cannot release job in terminal state", "job_id", jobID, "status", job.Status)
			return nil
		}
		completedAt := s.now()
		return s.store.SetJobStatus(ctx, tx, jobID, status, job.HeartbeatAt, &completedAt, errMsg)
	})
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, nil, jobID)
}

// GetLatest returns the most recent job for a book, opportunistically
// marking it failed first if it's a stale running job.
func (s *Service) GetLatest(ctx context.Context, bookID string, jobType model.JobType) (*model.Job, error) {
	var result *model.Job

	err := s.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		job, err := s.store.LatestJobForBook(ctx, tx, bookID, jobType)
		if err != nil {
			if errors.Is(err, jobdb.ErrJobNotFound) {
				return nil
			}
			return err
		}

		if job.Status == model.JobStatusRunning && s.isStale(job) {
			if err := s.markStaleLocked(ctx, tx, job); err != nil {
				return err
			}
			job, err = s.store.GetJob(ctx, tx, job.JobID)
			if err != nil {
				return err
			}
		}
		result = job
		return nil
	})
	return result, err
}

func (s *Service) isStale(job *model.Job) bool {
	ref := job.HeartbeatAt
	if ref.IsZero() {
		ref = job.StartedAt
	}
	return s.now().Sub(ref) > s.staleThreshold
}

// markStaleLocked re-checks staleness under the caller's transaction
// before transitioning, so a job whose heartbeat was refreshed (by
// UpdateProgress) or that already left running is left alone.
func (s *Service) markStaleLocked(ctx context.Context, tx *sql.Tx, job *model.Job) error {
	current, err := s.store.GetJob(ctx, tx, job.JobID)
	if err != nil {
		return err
	}
	if current.Status != model.JobStatusRunning || !s.isStale(current) {
		return nil
	}

	last := "start"
	if current.LastCompletedItem > 0 {
		last = fmt.Sprintf("%d", current.LastCompletedItem)
	}
	heartbeatDesc := "never"
	if !current.HeartbeatAt.IsZero() {
		heartbeatDesc = current.HeartbeatAt.Format(time.RFC3339)
	}
	errMsg := fmt.Sprintf(
		"Job interrupted (no heartbeat since %s). Worker may have restarted. Resume from page %s.",
		heartbeatDesc, last,
	)

	completedAt := s.now()
	if err := s.store.SetJobStatus(ctx, tx, current.JobID, model.JobStatusFailed, current.HeartbeatAt, &completedAt, errMsg); err != nil {
		return err
	}
	s.logger.Warn("job transitioned to failed (stale heartbeat)", "job_id", current.JobID, "heartbeat_at", current.HeartbeatAt)
	return nil
}
