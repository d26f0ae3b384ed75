package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// LLM wraps an LLMClient so every call is recorded against rec under the
// given stage. A nil recorder returns the client unwrapped.
func LLM(inner providers.LLMClient, rec *Recorder, stage string) providers.LLMClient {
	if rec == nil {
		return inner
	}
	return &recordingLLM{inner: inner, rec: rec, stage: stage}
}

type recordingLLM struct {
	inner providers.LLMClient
	rec   *Recorder
	stage string
}

func (c *recordingLLM) Name() string { return c.inner.Name() }

func (c *recordingLLM) Call(ctx context.Context, req *providers.CallRequest) (*providers.CallResult, error) {
	start := time.Now()
	result, err := c.inner.Call(ctx, req)
	opts := RecordOpts{Stage: c.stage}
	if result != nil {
		c.rec.RecordLLMCall(opts, result)
	} else if err != nil {
		c.rec.RecordError(opts, c.inner.Name(), req.Model, "call_error", time.Since(start))
	}
	return result, err
}

// OCR wraps an OCRProvider so every ProcessImage call is recorded against
// rec under the given stage, keyed by page. A nil recorder returns the
// provider unwrapped.
func OCR(inner providers.OCRProvider, rec *Recorder, stage string) providers.OCRProvider {
	if rec == nil {
		return inner
	}
	return &recordingOCR{inner: inner, rec: rec, stage: stage}
}

type recordingOCR struct {
	inner providers.OCRProvider
	rec   *Recorder
	stage string
}

func (p *recordingOCR) Name() string                  { return p.inner.Name() }
func (p *recordingOCR) RequestsPerSecond() float64    { return p.inner.RequestsPerSecond() }
func (p *recordingOCR) MaxRetries() int               { return p.inner.MaxRetries() }
func (p *recordingOCR) RetryDelayBase() time.Duration { return p.inner.RetryDelayBase() }

func (p *recordingOCR) ProcessImage(ctx context.Context, image []byte, pageNum int) (*providers.OCRResult, error) {
	start := time.Now()
	result, err := p.inner.ProcessImage(ctx, image, pageNum)
	opts := RecordOpts{Stage: p.stage, ItemKey: fmt.Sprintf("page_%04d", pageNum)}
	if result != nil {
		p.rec.RecordOCRCall(opts, p.inner.Name(), result)
	} else if err != nil {
		p.rec.RecordError(opts, p.inner.Name(), "", "ocr_error", time.Since(start))
	}
	return result, err
}
