package metrics

import (
	"sync"
	"time"

	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// Recorder accumulates metrics for one job. It is safe for concurrent use,
// though the pipeline's page loops record into it sequentially and the CLI
// reads its summary only after the run.
type Recorder struct {
	jobID  string
	bookID string

	mu      sync.Mutex
	metrics []Metric
}

// NewRecorder creates a recorder attributed to a job and book. Either may
// be empty when the caller has no job context (tests, ad-hoc calls).
func NewRecorder(jobID, bookID string) *Recorder {
	return &Recorder{jobID: jobID, bookID: bookID}
}

// Record stores a single metric, filling in attribution and timestamp
// defaults.
func (r *Recorder) Record(m Metric) {
	if m.JobID == "" {
		m.JobID = r.jobID
	}
	if m.BookID == "" {
		m.BookID = r.bookID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

// RecordLLMCall records metrics from an LLM call result.
func (r *Recorder) RecordLLMCall(opts RecordOpts, result *providers.CallResult) {
	if result == nil {
		return
	}
	r.Record(Metric{
		JobID:   opts.JobID,
		BookID:  opts.BookID,
		Stage:   opts.Stage,
		ItemKey: opts.ItemKey,

		Provider: result.Provider,
		Model:    result.ModelUsed,

		CostUSD:          result.CostUSD,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,

		ExecutionSeconds: result.ExecutionTime.Seconds(),

		Success:   result.Success,
		ErrorType: result.ErrorType,
	})
}

// RecordOCRCall records metrics from an OCR result.
func (r *Recorder) RecordOCRCall(opts RecordOpts, provider string, result *providers.OCRResult) {
	if result == nil {
		return
	}
	m := Metric{
		JobID:   opts.JobID,
		BookID:  opts.BookID,
		Stage:   opts.Stage,
		ItemKey: opts.ItemKey,

		Provider: provider,

		CostUSD:          result.CostUSD,
		ExecutionSeconds: result.ExecutionTime.Seconds(),

		Success: result.Success,
	}
	if result.ErrorMessage != "" {
		m.ErrorType = "ocr_error"
	}
	r.Record(m)
}

// RecordError records a failed operation that produced no result at all
// (transport error, context cancellation).
func (r *Recorder) RecordError(opts RecordOpts, provider, model, errorType string, duration time.Duration) {
	r.Record(Metric{
		JobID:   opts.JobID,
		BookID:  opts.BookID,
		Stage:   opts.Stage,
		ItemKey: opts.ItemKey,

		Provider: provider,
		Model:    model,

		ExecutionSeconds: duration.Seconds(),

		Success:   false,
		ErrorType: errorType,
	})
}

// Snapshot returns a copy of every metric recorded so far.
func (r *Recorder) Snapshot() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metric, len(r.metrics))
	copy(out, r.metrics)
	return out
}
