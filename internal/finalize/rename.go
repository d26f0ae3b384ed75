package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/providers"
	"github.com/owlpress/guideline-pipeline/internal/slugify"
)

// renameResponseSchema constrains the name-refinement call to the refined
// title/key pair for both levels.
var renameResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"topic_title": {"type": "string"},
		"topic_key": {"type": "string"},
		"subtopic_title": {"type": "string"},
		"subtopic_key": {"type": "string"}
	},
	"required": ["topic_title", "topic_key", "subtopic_title", "subtopic_key"]
}`)

// NameRefinementService proposes cleaned-up topic/subtopic names for a
// finished shard, grounded on its final accumulated guidelines text.
type NameRefinementService struct {
	llm providers.LLMClient
}

// NewNameRefinementService returns a NameRefinementService backed by llm.
func NewNameRefinementService(llm providers.LLMClient) *NameRefinementService {
	return &NameRefinementService{llm: llm}
}

// Refine asks the LLM to propose a refined title/key pair for a shard. On
// any failure (call error, unsuccessful result, unparsable response) it
// returns the shard's current names unchanged.
func (r *NameRefinementService) Refine(ctx context.Context, book model.Book, shard *model.SubtopicShard) RefinedNames {
	current := RefinedNames{
		TopicTitle:    shard.TopicTitle,
		TopicKey:      shard.TopicKey,
		SubtopicTitle: shard.SubtopicTitle,
		SubtopicKey:   shard.SubtopicKey,
	}

	preview := shard.Guidelines
	if len(preview) > shardPreviewCap {
		preview = preview[:shardPreviewCap]
	}

	req := &providers.CallRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You refine topic and subtopic names for a finished set of teaching guidelines extracted from a school textbook. Propose clear, student-facing titles and their slugified keys (lowercase, hyphen-separated, ASCII only). Reply with JSON: topic_title, topic_key, subtopic_title, subtopic_key."},
			{Role: "user", Content: fmt.Sprintf(
				"Book: grade %s, subject %s, board %s.\nCurrent topic: %s (%s)\nCurrent subtopic: %s (%s)\n\nGuidelines:\n%s",
				book.Grade, book.Subject, book.Board, shard.TopicTitle, shard.TopicKey, shard.SubtopicTitle, shard.SubtopicKey, preview,
			)},
		},
		JSONMode:   true,
		JSONSchema: renameResponseSchema,
	}

	result, err := r.llm.Call(ctx, req)
	if err != nil || !result.Success {
		return current
	}

	var refined RefinedNames
	if err := json.Unmarshal([]byte(result.OutputText), &refined); err != nil {
		return current
	}
	if strings.TrimSpace(refined.TopicTitle) == "" || strings.TrimSpace(refined.SubtopicTitle) == "" {
		return current
	}

	refined.TopicKey = slugify.Slugify(refined.TopicKey)
	refined.SubtopicKey = slugify.Slugify(refined.SubtopicKey)
	if refined.TopicKey == "" || refined.SubtopicKey == "" {
		return current
	}
	return refined
}
