package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// dedupResponseSchema constrains the deduplication call to a flat list of
// duplicate pairs.
var dedupResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"duplicates": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"topic1": {"type": "string"},
					"subtopic1": {"type": "string"},
					"topic2": {"type": "string"},
					"subtopic2": {"type": "string"}
				},
				"required": ["topic1", "subtopic1", "topic2", "subtopic2"]
			}
		}
	},
	"required": ["duplicates"]
}`)

type dedupResponse struct {
	Duplicates []DuplicatePair `json:"duplicates"`
}

// DeduplicationService finds pairs of subtopics across a book's finished
// index that cover the same material, so finalization can merge them.
type DeduplicationService struct {
	llm providers.LLMClient
}

// NewDeduplicationService returns a DeduplicationService backed by llm.
func NewDeduplicationService(llm providers.LLMClient) *DeduplicationService {
	return &DeduplicationService{llm: llm}
}

// FindDuplicates sends a compact summary of every shard to the LLM and
// returns the pairs it judges duplicates. On any failure it returns an
// empty list: a flaky call must never merge shards it didn't actually
// compare.
func (d *DeduplicationService) FindDuplicates(ctx context.Context, shards []shardRef) []DuplicatePair {
	if len(shards) < 2 {
		return nil
	}

	var sb strings.Builder
	for _, s := range shards {
		fmt.Fprintf(&sb, "- [%s / %s] \"%s\" / \"%s\" pages %d-%d: %s\n",
			s.TopicKey, s.SubtopicKey, s.TopicTitle, s.SubtopicTitle, s.PageStart, s.PageEnd, s.PreviewText)
	}

	req := &providers.CallRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You review a finished book's list of teaching-guideline subtopics and find pairs that cover essentially the same material and should be merged. Only report genuine duplicates, not merely related subtopics. Reply with JSON: {\"duplicates\": [{\"topic1\", \"subtopic1\", \"topic2\", \"subtopic2\"}, ...]}. Use the topic_key/subtopic_key values shown, not the display titles. Return an empty list if none."},
			{Role: "user", Content: sb.String()},
		},
		JSONMode:   true,
		JSONSchema: dedupResponseSchema,
	}

	result, err := d.llm.Call(ctx, req)
	if err != nil || !result.Success {
		return nil
	}

	var parsed dedupResponse
	if err := json.Unmarshal([]byte(result.OutputText), &parsed); err != nil {
		return nil
	}
	return parsed.Duplicates
}
