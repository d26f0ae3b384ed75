// Package metrics provides cost and usage tracking for LLM and OCR calls.
// Metrics are recorded in process, one recorder per job, and aggregated
// into per-stage summaries at job end.
package metrics

import "time"

// Metric is a single recorded LLM or OCR call with full attribution.
type Metric struct {
	// Attribution (for filtering/aggregation)
	JobID   string `json:"job_id,omitempty"`
	BookID  string `json:"book_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	ItemKey string `json:"item_key,omitempty"` // e.g., "page_0001"

	// Provider info
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Cost and tokens
	CostUSD          float64 `json:"cost_usd,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`

	// Timing
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	// Status
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RecordOpts provides per-call attribution for a metric recording. Empty
// fields fall back to the recorder's own job/book attribution.
type RecordOpts struct {
	JobID   string
	BookID  string
	Stage   string
	ItemKey string
}
