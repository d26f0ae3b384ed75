package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// MinisummaryService produces the short per-page summary used only as
// context for subsequent pages, never surfaced to a reader directly.
type MinisummaryService struct {
	llm providers.LLMClient
}

// NewMinisummaryService returns a MinisummaryService backed by llm.
func NewMinisummaryService(llm providers.LLMClient) *MinisummaryService {
	return &MinisummaryService{llm: llm}
}

const minisummaryFallbackWords = 60

// Generate asks the LLM for a 5-6 line extractive factual summary of a
// page's OCR text. On any call failure it falls back to the page's first
// ~60 whitespace-delimited tokens, so a single flaky LLM call never stalls
// the extraction loop.
func (s *MinisummaryService) Generate(ctx context.Context, pageText string) string {
	req := &providers.CallRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You write terse, factual, extractive summaries of textbook page text. Reply with the summary only: 5-6 lines, no preamble, no commentary."},
			{Role: "user", Content: fmt.Sprintf("Summarize this page in 5-6 lines:\n\n%s", pageText)},
		},
	}
	result, err := s.llm.Call(ctx, req)
	if err != nil || !result.Success || strings.TrimSpace(result.OutputText) == "" {
		return fallbackMinisummary(pageText)
	}
	return strings.TrimSpace(result.OutputText)
}

func fallbackMinisummary(pageText string) string {
	words := strings.Fields(pageText)
	if len(words) > minisummaryFallbackWords {
		words = words[:minisummaryFallbackWords]
	}
	return strings.Join(words, " ")
}
