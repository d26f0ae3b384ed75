package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owlpress/guideline-pipeline/internal/providers"
	"github.com/owlpress/guideline-pipeline/internal/slugify"
)

// boundaryResponseSchema constrains the combined boundary-detection and
// page-guideline-extraction call to the five fields the orchestrator needs;
// the provider's own structured-output handling validates and repairs the
// model's JSON against it before it ever reaches this package.
var boundaryResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"is_new_topic": {"type": "boolean"},
		"topic_name": {"type": "string"},
		"subtopic_name": {"type": "string"},
		"page_guidelines": {"type": "string"},
		"reasoning": {"type": "string"}
	},
	"required": ["is_new_topic", "topic_name", "subtopic_name", "page_guidelines", "reasoning"]
}`)

// BoundaryDetector wraps the single LLM call that decides whether a page
// continues the most recent open subtopic or starts a new one, and
// extracts that page's teaching guidelines in the same call.
type BoundaryDetector struct {
	llm providers.LLMClient
}

// NewBoundaryDetector returns a BoundaryDetector backed by llm.
func NewBoundaryDetector(llm providers.LLMClient) *BoundaryDetector {
	return &BoundaryDetector{llm: llm}
}

// Detect runs the boundary-detection + extraction call for one page and
// returns the decision as the model wrote it. Topic and subtopic names are
// not slugified here; callers canonicalize them with CanonicalizeTitle.
func (d *BoundaryDetector) Detect(ctx context.Context, pack *ContextPack, pageText string) (*BoundaryResult, error) {
	req := &providers.CallRequest{
		Messages:   buildBoundaryMessages(pack, pageText),
		JSONMode:   true,
		JSONSchema: boundaryResponseSchema,
	}
	result, err := d.llm.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("boundary detection call: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("boundary detection call failed: %s", result.ErrorMessage)
	}

	var br BoundaryResult
	if err := json.Unmarshal([]byte(result.OutputText), &br); err != nil {
		return nil, fmt.Errorf("parse boundary detection response: %w", err)
	}
	return &br, nil
}

// CanonicalizeTitle slugifies title into a key; if the title is already
// slug-shaped (the model returned a key instead of a display name) the
// title is derived from the slug instead, so the index never surfaces a
// raw key as a display title.
func CanonicalizeTitle(title string) (key, displayTitle string) {
	key = slugify.Slugify(title)
	if strings.TrimSpace(title) == key {
		return key, slugify.Deslugify(key)
	}
	return key, strings.TrimSpace(title)
}

func buildBoundaryMessages(pack *ContextPack, pageText string) []providers.Message {
	var sb strings.Builder
	sb.WriteString("You are extracting teaching guidelines from a scanned textbook, one page at a time.\n")
	sb.WriteString("Decide whether this page continues the most recently open subtopic or starts a new one, and extract this page's teaching guidelines.\n\n")
	fmt.Fprintf(&sb, "Book: grade %s, subject %s, board %s, country %s.\n", pack.Book.Grade, pack.Book.Subject, pack.Book.Board, pack.Book.Country)
	if pack.ChapterHint != "" {
		fmt.Fprintf(&sb, "Current chapter hint: %s\n", pack.ChapterHint)
	}
	if pack.FirstPage {
		sb.WriteString("This is the first page processed for this book: there are no open subtopics yet, so is_new_topic must be true.\n")
	}

	if len(pack.RecentSummaries) > 0 {
		sb.WriteString("\nRecent page summaries (oldest first):\n")
		for _, s := range pack.RecentSummaries {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}

	if len(pack.OpenSubtopics) > 0 {
		sb.WriteString("\nOpen subtopics eligible to be continued:\n")
		for _, o := range pack.OpenSubtopics {
			fmt.Fprintf(&sb, "- [%s / %s] pages %d-%d: %s\n", o.TopicTitle, o.SubtopicTitle, o.PageRangeStart, o.PageRangeEnd, o.GuidelinesPreview)
		}
	} else if !pack.FirstPage {
		sb.WriteString("\nNo subtopics are currently open (all have stabilized or none matched recently); treat this page as a new topic unless the text obviously continues the last chapter.\n")
	}

	sb.WriteString("\nRespond with JSON: is_new_topic, topic_name, subtopic_name, page_guidelines, reasoning.\n")

	return []providers.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: pageText},
	}
}
