// Package providers defines the generic LLM and OCR provider contracts the
// core pipeline depends on, plus the concrete OpenRouter (LLM) and Mistral
// (OCR) clients, mocks, and a config-driven registry. The core depends only
// on the interfaces: anything that can answer a prompt or OCR an image.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the one-method call contract every LLM-backed pipeline step
// depends on: a prompt in, a JSON-mode-aware result out. No provider-specific
// feature (function calling, vision attachments, streaming) is assumed.
type LLMClient interface {
	// Call sends a single prompt and returns the model's output.
	Call(ctx context.Context, req *CallRequest) (*CallResult, error)

	// Name returns the client identifier (e.g. "openrouter", "mock").
	Name() string
}

// OCRProvider handles image-to-text extraction. Kept separate from LLMClient
// because it has distinct rate limiting, retry, and result shapes (raw text
// plus provider metadata, not chat content).
type OCRProvider interface {
	// Name returns the provider identifier (e.g. "mistral-ocr", "mock-ocr").
	Name() string

	// ProcessImage extracts text from a canonical page image.
	ProcessImage(ctx context.Context, image []byte, pageNum int) (*OCRResult, error)

	// Rate limiting properties, used to size the worker's internal RateLimiter.
	RequestsPerSecond() float64
	MaxRetries() int
	RetryDelayBase() time.Duration
}

// Message is one turn of a chat-style prompt.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CallRequest is a request to an LLM.
type CallRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`

	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`

	// JSONMode requests a structured response; JSONSchema optionally
	// constrains its shape. Mirrors the call(prompt, {json_mode,
	// json_schema?, reasoning_effort?}) contract every provider adapter
	// outside the core must honor.
	JSONMode        bool            `json:"json_mode,omitempty"`
	JSONSchema      json.RawMessage `json:"json_schema,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`

	RequestID string `json:"-"`
}

// CallResult is the complete response from an LLM call.
type CallResult struct {
	OutputText string `json:"output_text"`
	Reasoning  string `json:"reasoning,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	Success      bool          `json:"success"`
	ErrorType    string        `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RetryAfter   time.Duration `json:"-"`
}

// OCRResult is the response from an OCR provider.
type OCRResult struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
}
