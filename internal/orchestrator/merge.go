package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// MergeService folds a new page's extracted guidelines into an existing
// subtopic shard's accumulated guidelines text.
type MergeService struct {
	llm providers.LLMClient
}

// NewMergeService returns a MergeService backed by llm.
func NewMergeService(llm providers.LLMClient) *MergeService {
	return &MergeService{llm: llm}
}

// Merge asks the LLM to fold newGuidelines into existing, deduplicating and
// reconciling overlapping points rather than just appending. On call
// failure it falls back to plain concatenation, so a shard never loses a
// page's guidelines because of a single flaky LLM call.
func (m *MergeService) Merge(ctx context.Context, subtopicTitle, existing, newGuidelines string) string {
	if strings.TrimSpace(existing) == "" {
		return strings.TrimSpace(newGuidelines)
	}

	req := &providers.CallRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You merge teaching guidelines for the same subtopic across consecutive textbook pages. Fold the new page's guidelines into the existing set, removing duplicates and reconciling overlap, preserving every distinct teaching point. Reply with the merged guidelines only."},
			{Role: "user", Content: fmt.Sprintf("Subtopic: %s\n\nExisting guidelines:\n%s\n\nNew page guidelines:\n%s", subtopicTitle, existing, newGuidelines)},
		},
	}
	result, err := m.llm.Call(ctx, req)
	if err != nil || !result.Success || strings.TrimSpace(result.OutputText) == "" {
		return existing + "\n\n" + strings.TrimSpace(newGuidelines)
	}
	return strings.TrimSpace(result.OutputText)
}
