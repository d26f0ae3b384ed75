// Package finalize implements C5: the finalization pass that stabilizes a
// book's guidelines index, refines shard names, merges duplicate
// subtopics, and syncs the surviving shards into the relational store.
package finalize

import "github.com/owlpress/guideline-pipeline/internal/model"

// shardPreviewCap bounds how much of a shard's guidelines text is sent to
// the name-refinement LLM call.
const shardPreviewCap = 2000

// dedupPreviewCap bounds the per-shard preview sent to the deduplication
// LLM call.
const dedupPreviewCap = 200

// RefinedNames is the structured response from the name-refinement call.
type RefinedNames struct {
	TopicTitle    string `json:"topic_title"`
	TopicKey      string `json:"topic_key"`
	SubtopicTitle string `json:"subtopic_title"`
	SubtopicKey   string `json:"subtopic_key"`
}

// DuplicatePair identifies two subtopics the deduplication call judged to
// cover the same material; s2 is merged into s1 and then deleted.
type DuplicatePair struct {
	Topic1    string `json:"topic1"`
	Subtopic1 string `json:"subtopic1"`
	Topic2    string `json:"topic2"`
	Subtopic2 string `json:"subtopic2"`
}

// shardRef addresses one shard by its index coordinates, carrying enough
// of its index entry to build LLM prompts without re-downloading it.
type shardRef struct {
	TopicKey      string
	TopicTitle    string
	SubtopicKey   string
	SubtopicTitle string
	PreviewText   string
	PageStart     int
	PageEnd       int
}

// Stats tracks running totals surfaced in progress_detail, mirroring the
// orchestrator's convention.
type Stats struct {
	NamesRefined     int `json:"names_refined"`
	SubtopicsMerged  int `json:"subtopics_merged"`
	SubtopicsDropped int `json:"subtopics_dropped"`
}

// ProgressDetail is the JSON shape written to Job.ProgressDetail as
// finalization advances through its steps.
type ProgressDetail struct {
	Step  string `json:"step"`
	Stats Stats  `json:"stats"`
}

// Result summarizes a completed finalization run.
type Result struct {
	Stats      Stats
	RowsSynced int
	SyncedToDB bool
	FinalIndex *model.GuidelinesIndex
}
