package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// SummaryReducer generates the short rollup summaries carried on subtopic
// and topic index entries.
type SummaryReducer struct {
	llm providers.LLMClient
}

// NewSummaryReducer returns a SummaryReducer backed by llm.
func NewSummaryReducer(llm providers.LLMClient) *SummaryReducer {
	return &SummaryReducer{llm: llm}
}

// SubtopicSummary produces a 15-30 word summary of a subtopic's current
// guidelines. On call failure it falls back to a fixed templated summary.
func (r *SummaryReducer) SubtopicSummary(ctx context.Context, subtopicTitle, guidelines string) string {
	req := &providers.CallRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize a set of teaching guidelines in 15-30 words, suitable as a one-line index entry. Reply with the summary only."},
			{Role: "user", Content: fmt.Sprintf("Subtopic: %s\n\nGuidelines:\n%s", subtopicTitle, guidelines)},
		},
	}
	result, err := r.llm.Call(ctx, req)
	if err != nil || !result.Success || strings.TrimSpace(result.OutputText) == "" {
		return fmt.Sprintf("%s — teaching guidelines", subtopicTitle)
	}
	return strings.TrimSpace(result.OutputText)
}

// TopicSummary produces a 20-40 word rollup of a topic from its subtopics'
// individual summaries. On call failure it falls back to joining the
// subtopic summaries directly.
func (r *SummaryReducer) TopicSummary(ctx context.Context, topicTitle string, subtopicSummaries []string) string {
	if len(subtopicSummaries) == 0 {
		return fmt.Sprintf("%s — overview", topicTitle)
	}

	req := &providers.CallRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize a topic's subtopics in 20-40 words, suitable as a chapter-level index entry. Reply with the summary only."},
			{Role: "user", Content: fmt.Sprintf("Topic: %s\n\nSubtopic summaries:\n- %s", topicTitle, strings.Join(subtopicSummaries, "\n- "))},
		},
	}
	result, err := r.llm.Call(ctx, req)
	if err != nil || !result.Success || strings.TrimSpace(result.OutputText) == "" {
		return strings.Join(subtopicSummaries, " ")
	}
	return strings.TrimSpace(result.OutputText)
}
