package jobdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/owlpress/guideline-pipeline/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndGetJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	heartbeat := started.Add(time.Second)
	want := &model.Job{
		JobID:              "job-1",
		BookID:             "book-1",
		JobType:            model.JobTypeExtraction,
		Status:             model.JobStatusRunning,
		TotalItems:         42,
		CompletedItems:     5,
		FailedItems:        1,
		CurrentItem:        6,
		LastCompletedItem:  5,
		ProgressDetail:     `{"page_errors":{}}`,
		HeartbeatAt:        heartbeat,
		StartedAt:          started,
	}

	if err := store.InsertJob(ctx, nil, want); err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	got, err := store.GetJob(ctx, nil, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}

	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("round-tripped job mismatch (-want +got):\n%s", diff)
	}
}

func TestGetJobNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetJob(ctx, nil, "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestActiveJobForBook(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pending := &model.Job{JobID: "job-pending", BookID: "book-1", JobType: model.JobTypeOCRBatch, Status: model.JobStatusPending, StartedAt: started}
	if err := store.InsertJob(ctx, nil, pending); err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	got, err := store.ActiveJobForBook(ctx, nil, "book-1")
	if err != nil {
		t.Fatalf("ActiveJobForBook() error = %v", err)
	}
	if got.JobID != "job-pending" {
		t.Errorf("JobID = %q, want job-pending", got.JobID)
	}

	if _, err := store.ActiveJobForBook(ctx, nil, "no-such-book"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("ActiveJobForBook() on empty book error = %v, want ErrJobNotFound", err)
	}
}

func TestLatestJobForBookFiltersByType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older := &model.Job{JobID: "job-a", BookID: "book-1", JobType: model.JobTypeOCRBatch, Status: model.JobStatusCompleted, StartedAt: base}
	newer := &model.Job{JobID: "job-b", BookID: "book-1", JobType: model.JobTypeExtraction, Status: model.JobStatusCompleted, StartedAt: base.Add(time.Hour)}
	if err := store.InsertJob(ctx, nil, older); err != nil {
		t.Fatalf("InsertJob(older) error = %v", err)
	}
	if err := store.InsertJob(ctx, nil, newer); err != nil {
		t.Fatalf("InsertJob(newer) error = %v", err)
	}

	got, err := store.LatestJobForBook(ctx, nil, "book-1", "")
	if err != nil {
		t.Fatalf("LatestJobForBook() error = %v", err)
	}
	if got.JobID != "job-b" {
		t.Errorf("JobID = %q, want job-b (most recent by started_at)", got.JobID)
	}

	got, err = store.LatestJobForBook(ctx, nil, "book-1", model.JobTypeOCRBatch)
	if err != nil {
		t.Fatalf("LatestJobForBook(filtered) error = %v", err)
	}
	if got.JobID != "job-a" {
		t.Errorf("JobID = %q, want job-a", got.JobID)
	}
}

func TestUpdateJobFieldsIsAbsoluteNotDelta(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &model.Job{JobID: "job-1", BookID: "book-1", JobType: model.JobTypeOCRBatch, Status: model.JobStatusRunning, StartedAt: started}
	if err := store.InsertJob(ctx, nil, job); err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	lastCompleted := 3
	detail := `{"stats":{"completed":3}}`
	if err := store.UpdateJobFields(ctx, nil, "job-1", 3, 3, 0, &lastCompleted, &detail, started.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateJobFields() error = %v", err)
	}

	// A second call with the same absolute values must leave the row
	// identical apart from heartbeat_at.
	if err := store.UpdateJobFields(ctx, nil, "job-1", 3, 3, 0, &lastCompleted, &detail, started.Add(2*time.Minute)); err != nil {
		t.Fatalf("UpdateJobFields() second call error = %v", err)
	}

	got, err := store.GetJob(ctx, nil, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.CompletedItems != 3 || got.LastCompletedItem != 3 || got.ProgressDetail != detail {
		t.Errorf("unexpected fields after repeated UpdateJobFields: %+v", got)
	}

	if err := store.UpdateJobFields(ctx, nil, "missing-job", 1, 1, 0, nil, nil, started); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("UpdateJobFields() on missing job error = %v, want ErrJobNotFound", err)
	}
}

func TestSetJobStatusTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &model.Job{JobID: "job-1", BookID: "book-1", JobType: model.JobTypeOCRBatch, Status: model.JobStatusRunning, StartedAt: started}
	if err := store.InsertJob(ctx, nil, job); err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	completedAt := started.Add(5 * time.Minute)
	if err := store.SetJobStatus(ctx, nil, "job-1", model.JobStatusFailed, completedAt, &completedAt, "boom"); err != nil {
		t.Fatalf("SetJobStatus() error = %v", err)
	}

	got, err := store.GetJob(ctx, nil, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != model.JobStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want boom", got.ErrorMessage)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completedAt)
	}
}

func TestInsertJobWithinTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &model.Job{JobID: "job-tx", BookID: "book-1", JobType: model.JobTypeOCRBatch, Status: model.JobStatusPending, StartedAt: started}

	boom := errors.New("boom")
	err := store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if err := store.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	if _, err := store.GetJob(ctx, nil, "job-tx"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob() after rolled-back tx error = %v, want ErrJobNotFound", err)
	}

	// A committed transaction, by contrast, must persist its insert.
	if err := store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		return store.InsertJob(ctx, tx, job)
	}); err != nil {
		t.Fatalf("WithTx() commit path error = %v", err)
	}
	got, err := store.GetJob(ctx, nil, "job-tx")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.JobID != "job-tx" {
		t.Errorf("JobID = %q, want job-tx", got.JobID)
	}
}

func TestSyncTeachingGuidelinesReplacesAllRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := []model.TeachingGuidelineRow{
		{ID: "row-1", BookID: "book-1", TopicKey: "forces", TopicTitle: "Forces", SubtopicKey: "newtons-laws", SubtopicTitle: "Newton's Laws", Guidelines: "g1", SubtopicSummary: "s1"},
		{ID: "row-2", BookID: "book-1", TopicKey: "forces", TopicTitle: "Forces", SubtopicKey: "friction", SubtopicTitle: "Friction", Guidelines: "g2", SubtopicSummary: "s2"},
	}
	if err := store.SyncTeachingGuidelines(ctx, "book-1", first); err != nil {
		t.Fatalf("SyncTeachingGuidelines() error = %v", err)
	}

	got, err := store.ListTeachingGuidelines(ctx, "book-1")
	if err != nil {
		t.Fatalf("ListTeachingGuidelines() error = %v", err)
	}
	less := func(a, b model.TeachingGuidelineRow) bool { return a.ID < b.ID }
	wantFirst := append([]model.TeachingGuidelineRow(nil), first...)
	for i := range wantFirst {
		wantFirst[i].ReviewStatus = model.ReviewStatusToBeReviewed
	}
	if diff := cmp.Diff(wantFirst, got, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("first sync mismatch (-want +got):\n%s", diff)
	}

	// A second sync with a different shard set must leave exactly the new
	// rows behind; nothing from the first sync survives.
	second := []model.TeachingGuidelineRow{
		{ID: "row-3", BookID: "book-1", TopicKey: "energy", TopicTitle: "Energy", SubtopicKey: "kinetic-energy", SubtopicTitle: "Kinetic Energy", Guidelines: "g3", SubtopicSummary: "s3"},
	}
	if err := store.SyncTeachingGuidelines(ctx, "book-1", second); err != nil {
		t.Fatalf("SyncTeachingGuidelines() second call error = %v", err)
	}

	got, err = store.ListTeachingGuidelines(ctx, "book-1")
	if err != nil {
		t.Fatalf("ListTeachingGuidelines() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "row-3" {
		t.Errorf("expected exactly row-3 to survive resync, got %+v", got)
	}
}

func TestSyncTeachingGuidelinesDoesNotTouchOtherBooks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SyncTeachingGuidelines(ctx, "book-a", []model.TeachingGuidelineRow{
		{ID: "a-1", BookID: "book-a", TopicKey: "t", TopicTitle: "T", SubtopicKey: "s", SubtopicTitle: "S", Guidelines: "g"},
	}); err != nil {
		t.Fatalf("SyncTeachingGuidelines(book-a) error = %v", err)
	}
	if err := store.SyncTeachingGuidelines(ctx, "book-b", []model.TeachingGuidelineRow{
		{ID: "b-1", BookID: "book-b", TopicKey: "t", TopicTitle: "T", SubtopicKey: "s", SubtopicTitle: "S", Guidelines: "g"},
	}); err != nil {
		t.Fatalf("SyncTeachingGuidelines(book-b) error = %v", err)
	}

	gotA, err := store.ListTeachingGuidelines(ctx, "book-a")
	if err != nil {
		t.Fatalf("ListTeachingGuidelines(book-a) error = %v", err)
	}
	if len(gotA) != 1 || gotA[0].ID != "a-1" {
		t.Errorf("book-a rows = %+v, want exactly a-1", gotA)
	}
}
