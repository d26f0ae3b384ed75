package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/model"
)

// contextPackPreviewChars bounds how much of a shard's guidelines text is
// carried into the context pack per open subtopic, keeping the prompt
// compact regardless of how large a shard has grown.
const contextPackPreviewChars = 300

// recentSummaryWindow is how many immediately preceding pages' minisummaries
// are pulled into the context pack.
const recentSummaryWindow = 5

// buildContextPack assembles the per-page prompt context: book metadata,
// the last recentSummaryWindow page minisummaries, every open or stable
// subtopic (with a bounded guidelines preview), and a table-of-contents
// hint taken from the most recently touched topic in the index.
func buildContextPack(ctx context.Context, store artifactstore.Store, layout artifactstore.Layout, book model.Book, idx *model.GuidelinesIndex, pageNum int) (*ContextPack, error) {
	pack := &ContextPack{
		Book:      book,
		FirstPage: len(idx.Topics) == 0,
	}

	start := pageNum - recentSummaryWindow
	if start < 1 {
		start = 1
	}
	for p := start; p < pageNum; p++ {
		var pg model.PageGuideline
		err := store.DownloadJSON(ctx, layout.PageGuideline(p), &pg)
		if err != nil {
			if errors.Is(err, artifactstore.NotFound) {
				continue
			}
			return nil, fmt.Errorf("load page guideline for page %d: %w", p, err)
		}
		pack.RecentSummaries = append(pack.RecentSummaries, pg.Minisummary)
	}

	for _, sub := range idx.OpenSubtopics() {
		topic := findOwningTopic(idx, sub.SubtopicKey)
		preview := OpenSubtopicPreview{
			SubtopicKey:    sub.SubtopicKey,
			SubtopicTitle:  sub.SubtopicTitle,
			PageRangeStart: sub.PageRangeStart,
			PageRangeEnd:   sub.PageRangeEnd,
		}
		if topic != nil {
			preview.TopicKey = topic.TopicKey
			preview.TopicTitle = topic.TopicTitle
		}

		var shard model.SubtopicShard
		if err := store.DownloadJSON(ctx, layout.Shard(preview.TopicKey, preview.SubtopicKey), &shard); err == nil {
			preview.GuidelinesPreview = truncate(shard.Guidelines, contextPackPreviewChars)
		} else if !errors.Is(err, artifactstore.NotFound) {
			return nil, fmt.Errorf("load shard %s/%s: %w", preview.TopicKey, preview.SubtopicKey, err)
		}

		pack.OpenSubtopics = append(pack.OpenSubtopics, preview)
	}

	if len(idx.Topics) > 0 {
		pack.ChapterHint = idx.Topics[len(idx.Topics)-1].TopicTitle
	}

	return pack, nil
}

func findOwningTopic(idx *model.GuidelinesIndex, subtopicKey string) *model.IndexTopicEntry {
	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			if s.SubtopicKey == subtopicKey {
				return t
			}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
