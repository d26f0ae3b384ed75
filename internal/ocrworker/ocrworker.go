// Package ocrworker implements the bulk OCR worker (C2): the per-page
// convert/upload/OCR loop that turns a book's raw uploaded images into
// canonical images and extracted text, reporting progress through C1 and
// flushing page metadata to the object store in batches.
package ocrworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/joblock"
	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// DefaultFlushInterval is the number of pages processed between metadata
// flushes; the worker also flushes once more at the end of the loop.
const DefaultFlushInterval = 5

// PageError is one page's recorded failure, keyed by page number (as a
// string) in ProgressDetail.PageErrors.
type PageError struct {
	Error     string    `json:"error"`
	ErrorType ErrorType `json:"error_type"`
}

// Stats tracks running totals surfaced in progress_detail alongside
// page_errors.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProgressDetail is the JSON shape written to Job.ProgressDetail on every
// update_progress call during a bulk OCR run.
type ProgressDetail struct {
	PageErrors map[string]PageError `json:"page_errors,omitempty"`
	Stats      Stats                `json:"stats"`
}

// Worker runs the bulk OCR loop for one job.
type Worker struct {
	store     artifactstore.Store
	ocr       providers.OCRProvider
	lock      *joblock.Service
	converter ImageConverter
	limiter   *providers.RateLimiter
	logger    *slog.Logger

	flushInterval int
	maxRetries    int
	retryDelay    time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithConverter overrides the default PNGNormalizer.
func WithConverter(c ImageConverter) Option {
	return func(w *Worker) { w.converter = c }
}

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(n int) Option {
	return func(w *Worker) { w.flushInterval = n }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics records every OCR call against rec, keyed by page.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(w *Worker) { w.ocr = metrics.OCR(w.ocr, rec, "ocr") }
}

// NewWorker builds a bulk OCR worker around an object store, an OCR
// provider, and the job lock service. The OCR provider's rate-limit and
// retry properties size the worker's internal RateLimiter and retry
// budget.
func NewWorker(store artifactstore.Store, ocr providers.OCRProvider, lock *joblock.Service, opts ...Option) *Worker {
	w := &Worker{
		store:         store,
		ocr:           ocr,
		lock:          lock,
		converter:     NewPNGNormalizer(),
		limiter:       providers.NewRateLimiter(ocr.RequestsPerSecond()),
		logger:        slog.Default(),
		flushInterval: DefaultFlushInterval,
		maxRetries:    ocr.MaxRetries(),
		retryDelay:    ocr.RetryDelayBase(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes pageNums in order for bookID under jobID, reporting
// progress through the job lock service and flushing metadata every
// flushInterval pages (plus once at the end).
//
// If metadata cannot even be loaded, that is a job-level (fatal) failure:
// Run releases the job as failed and returns the error. Per-page failures
// never abort the loop; release(completed) still happens at the end
// regardless of how many pages failed.
func (w *Worker) Run(ctx context.Context, jobID, bookID string, pageNums []int) error {
	layout := artifactstore.NewLayout(bookID)

	doc, err := w.loadOrCreateMetadata(ctx, layout, bookID)
	if err != nil {
		releaseErr := w.lock.Release(ctx, jobID, model.JobStatusFailed, err.Error())
		if releaseErr != nil {
			w.logger.Error("failed to release job after metadata load failure", "job_id", jobID, "error", releaseErr)
		}
		return fmt.Errorf("load page metadata: %w", err)
	}

	detail := &ProgressDetail{PageErrors: make(map[string]PageError)}
	var completed, failed, lastCompleted int

	for i, pageNum := range pageNums {
		if err := w.reportProgress(ctx, jobID, pageNum, completed, failed, lastCompleted, detail); err != nil {
			w.logger.Warn("progress update failed", "job_id", jobID, "page", pageNum, "error", err)
		}

		if perr := w.processOnePage(ctx, layout, doc, pageNum); perr != nil {
			failed++
			detail.PageErrors[fmt.Sprintf("%d", pageNum)] = PageError{
				Error:     perr.Error(),
				ErrorType: Classify(perr),
			}
		} else {
			completed++
		}
		lastCompleted = pageNum
		detail.Stats = Stats{Completed: completed, Failed: failed}

		if err := w.reportProgress(ctx, jobID, pageNum, completed, failed, lastCompleted, detail); err != nil {
			w.logger.Warn("progress update failed", "job_id", jobID, "page", pageNum, "error", err)
		}

		if w.flushInterval > 0 && (i+1)%w.flushInterval == 0 {
			if err := w.flushMetadata(ctx, layout, doc); err != nil {
				w.logger.Error("metadata flush failed", "book_id", bookID, "error", err)
			}
		}
	}

	if err := w.flushMetadata(ctx, layout, doc); err != nil {
		w.logger.Error("final metadata flush failed", "book_id", bookID, "error", err)
	}

	if err := w.lock.Release(ctx, jobID, model.JobStatusCompleted, ""); err != nil {
		w.logger.Error("failed to release completed job", "job_id", jobID, "error", err)
	}
	return nil
}

// RetryPage re-OCRs a single, previously failed page synchronously,
// outside of any job tracking. It refuses if a bulk OCR job is currently
// running for the book.
func (w *Worker) RetryPage(ctx context.Context, bookID string, pageNum int) error {
	active, err := w.lock.GetLatest(ctx, bookID, model.JobTypeOCRBatch)
	if err != nil {
		return fmt.Errorf("check active ocr_batch job: %w", err)
	}
	if active != nil && active.Status == model.JobStatusRunning {
		return &joblock.ErrLockBusy{ActiveType: active.JobType, StartedAt: active.StartedAt}
	}

	layout := artifactstore.NewLayout(bookID)
	doc, err := w.loadOrCreateMetadata(ctx, layout, bookID)
	if err != nil {
		return fmt.Errorf("load page metadata: %w", err)
	}
	if _, ok := doc.Pages[pageNum]; !ok {
		return fmt.Errorf("page %d not found in metadata for book %s", pageNum, bookID)
	}

	perr := w.processOnePage(ctx, layout, doc, pageNum)
	if err := w.flushMetadata(ctx, layout, doc); err != nil {
		return fmt.Errorf("save page metadata: %w", err)
	}
	return perr
}

func (w *Worker) reportProgress(ctx context.Context, jobID string, currentItem, completed, failed, lastCompleted int, detail *ProgressDetail) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	detailStr := string(data)
	lc := lastCompleted
	return w.lock.UpdateProgress(ctx, jobID, currentItem, completed, failed, &lc, &detailStr)
}

func (w *Worker) loadOrCreateMetadata(ctx context.Context, layout artifactstore.Layout, bookID string) (*model.PageMetadataDoc, error) {
	var doc model.PageMetadataDoc
	err := w.store.DownloadJSON(ctx, layout.Metadata(), &doc)
	if err == nil {
		if doc.Pages == nil {
			doc.Pages = make(map[int]*model.PageMetadata)
		}
		return &doc, nil
	}
	if errors.Is(err, artifactstore.NotFound) {
		return model.NewPageMetadataDoc(bookID), nil
	}
	return nil, err
}

func (w *Worker) flushMetadata(ctx context.Context, layout artifactstore.Layout, doc *model.PageMetadataDoc) error {
	return w.store.UploadJSON(ctx, layout.Metadata(), doc)
}

// processOnePage loads the page's metadata entry, converts and uploads
// its canonical image, OCRs it with bounded retries, uploads the
// extracted text, and updates the in-memory metadata entry. It never
// returns an error that should abort the loop: all failures are recorded
// on the page entry and also returned so the caller can classify and
// count them.
func (w *Worker) processOnePage(ctx context.Context, layout artifactstore.Layout, doc *model.PageMetadataDoc, pageNum int) error {
	page, ok := doc.Pages[pageNum]
	if !ok {
		return fmt.Errorf("page %d metadata absent", pageNum)
	}

	raw, err := w.store.DownloadBytes(ctx, page.RawImageKey)
	if err != nil {
		page.OCRStatus = model.OCRStatusFailed
		page.OCRError = fmt.Sprintf("load raw image: %v", err)
		return fmt.Errorf("load raw image for page %d: %w", pageNum, err)
	}

	canonical, err := w.converter.Convert(raw)
	if err != nil {
		page.OCRStatus = model.OCRStatusFailed
		page.OCRError = fmt.Sprintf("convert image: %v", err)
		w.logger.Error("image conversion failed", "page", pageNum, "raw_key", page.RawImageKey, "error", err)
		return fmt.Errorf("convert page %d: %w", pageNum, err)
	}

	imageKey := layout.CanonicalImage(pageNum)
	if err := w.store.UploadBytes(ctx, imageKey, canonical); err != nil {
		page.OCRStatus = model.OCRStatusFailed
		page.OCRError = fmt.Sprintf("upload canonical image: %v", err)
		return fmt.Errorf("upload canonical image for page %d: %w", pageNum, err)
	}
	page.ImageKey = imageKey

	text, ocrErr := w.ocrWithRetries(ctx, canonical, pageNum)
	if ocrErr != nil {
		page.OCRStatus = model.OCRStatusFailed
		page.OCRError = ocrErr.Error()
		return ocrErr
	}

	textKey := layout.OCRText(pageNum)
	if err := w.store.UploadBytes(ctx, textKey, []byte(text)); err != nil {
		page.OCRStatus = model.OCRStatusFailed
		page.OCRError = fmt.Sprintf("upload ocr text: %v", err)
		return fmt.Errorf("upload ocr text for page %d: %w", pageNum, err)
	}

	page.TextKey = textKey
	page.OCRStatus = model.OCRStatusCompleted
	page.OCRError = ""
	return nil
}

// ocrWithRetries calls the OCR provider, retrying only classification-
// retryable failures up to the provider's configured retry budget with
// exponential backoff. A terminal failure (per Classify) is not retried.
func (w *Worker) ocrWithRetries(ctx context.Context, canonical []byte, pageNum int) (string, error) {
	var text string
	attempts := w.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := w.retryDelay
	if delay <= 0 {
		delay = time.Second
	}

	err := retry.Do(
		func() error {
			if err := w.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			result, err := w.ocr.ProcessImage(ctx, canonical, pageNum)
			if err != nil {
				return err
			}
			if !result.Success {
				return errors.New(result.ErrorMessage)
			}
			text = result.Text
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return Classify(err) == ErrorTypeRetryable
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("ocr page %d: %w", pageNum, err)
	}
	return text, nil
}
