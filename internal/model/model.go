// Package model provides shared types used across multiple packages.
// This package has no dependencies on other pipeline packages to avoid
// import cycles.
package model

import "time"

// JobType identifies what kind of work a job tracks.
type JobType string

const (
	JobTypeOCRBatch     JobType = "ocr_batch"
	JobTypeExtraction   JobType = "extraction"
	JobTypeFinalization JobType = "finalization"
)

// JobStatus is a job's position in its state machine.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is the primary concurrency object: one per unit of book-scoped work.
type Job struct {
	JobID             string    `json:"job_id"`
	BookID            string    `json:"book_id"`
	JobType           JobType   `json:"job_type"`
	Status            JobStatus `json:"status"`
	TotalItems        int       `json:"total_items"`
	CompletedItems    int       `json:"completed_items"`
	FailedItems       int       `json:"failed_items"`
	CurrentItem       int       `json:"current_item"`
	LastCompletedItem int       `json:"last_completed_item"`
	ProgressDetail    string    `json:"progress_detail,omitempty"`
	HeartbeatAt       time.Time `json:"heartbeat_at"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// Book is read-only reference data owned by the calling system. The core
// treats it as immutable context used to condition LLM prompts.
type Book struct {
	BookID     string `json:"book_id"`
	Grade      string `json:"grade"`
	Subject    string `json:"subject"`
	Board      string `json:"board"`
	Country    string `json:"country"`
	TotalPages int    `json:"total_pages"`
}

// OCRStatus is the per-page OCR outcome recorded in page metadata.
type OCRStatus string

const (
	OCRStatusPending   OCRStatus = "pending"
	OCRStatusCompleted OCRStatus = "completed"
	OCRStatusFailed    OCRStatus = "failed"
)

// PageMetadata is one page's entry in a book's page-metadata document.
type PageMetadata struct {
	PageNum      int       `json:"page_num"`
	RawImageKey  string    `json:"raw_image_key"`
	ImageKey     string    `json:"image_key"`
	TextKey      string    `json:"text_key"`
	Status       string    `json:"status"`
	OCRStatus    OCRStatus `json:"ocr_status"`
	OCRError     string    `json:"ocr_error,omitempty"`
}

// PageMetadataDoc is the single per-book JSON document mapping page number
// to its metadata, flushed periodically by the bulk OCR worker.
type PageMetadataDoc struct {
	BookID string                  `json:"book_id"`
	Pages  map[int]*PageMetadata   `json:"pages"`
}

// NewPageMetadataDoc returns an empty metadata document for a book.
func NewPageMetadataDoc(bookID string) *PageMetadataDoc {
	return &PageMetadataDoc{BookID: bookID, Pages: make(map[int]*PageMetadata)}
}

// SubtopicStatus tracks where a subtopic is in the stabilization pipeline.
type SubtopicStatus string

const (
	SubtopicOpen         SubtopicStatus = "open"
	SubtopicStable       SubtopicStatus = "stable"
	SubtopicFinal        SubtopicStatus = "final"
	SubtopicNeedsReview  SubtopicStatus = "needs_review"
)

// SubtopicShard is the unit of guideline aggregation, identified by the
// pair (topic_key, subtopic_key).
type SubtopicShard struct {
	TopicKey        string    `json:"topic_key"`
	SubtopicKey     string    `json:"subtopic_key"`
	TopicTitle      string    `json:"topic_title"`
	SubtopicTitle   string    `json:"subtopic_title"`
	SourcePageStart int       `json:"source_page_start"`
	SourcePageEnd   int       `json:"source_page_end"`
	Guidelines      string    `json:"guidelines"`
	SubtopicSummary string    `json:"subtopic_summary"`
	Version         int       `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IndexSubtopicEntry is one subtopic's entry in the guidelines index.
type IndexSubtopicEntry struct {
	SubtopicKey     string         `json:"subtopic_key"`
	SubtopicTitle   string         `json:"subtopic_title"`
	Status          SubtopicStatus `json:"status"`
	PageRangeStart  int            `json:"page_range_start"`
	PageRangeEnd    int            `json:"page_range_end"`
	SubtopicSummary string         `json:"subtopic_summary,omitempty"`
}

// IndexTopicEntry groups subtopic entries under a topic, carrying the
// topic-level rollup summary.
type IndexTopicEntry struct {
	TopicKey     string                 `json:"topic_key"`
	TopicTitle   string                 `json:"topic_title"`
	TopicSummary string                 `json:"topic_summary,omitempty"`
	Subtopics    []*IndexSubtopicEntry  `json:"subtopics"`
}

// GuidelinesIndex is the authoritative per-book document enumerating
// topics, subtopics, and their statuses. Shards carry no status of their
// own; the index is the single source of truth for it.
type GuidelinesIndex struct {
	BookID      string             `json:"book_id"`
	Topics      []*IndexTopicEntry `json:"topics"`
	Version     int                `json:"version"`
	LastUpdated time.Time          `json:"last_updated"`
}

// NewGuidelinesIndex returns an empty index for a book.
func NewGuidelinesIndex(bookID string) *GuidelinesIndex {
	return &GuidelinesIndex{BookID: bookID, Topics: []*IndexTopicEntry{}}
}

// FindTopic returns the topic entry for topicKey, or nil.
func (idx *GuidelinesIndex) FindTopic(topicKey string) *IndexTopicEntry {
	for _, t := range idx.Topics {
		if t.TopicKey == topicKey {
			return t
		}
	}
	return nil
}

// FindSubtopic returns the subtopic entry for (topicKey, subtopicKey), or nil.
func (idx *GuidelinesIndex) FindSubtopic(topicKey, subtopicKey string) *IndexSubtopicEntry {
	t := idx.FindTopic(topicKey)
	if t == nil {
		return nil
	}
	for _, s := range t.Subtopics {
		if s.SubtopicKey == subtopicKey {
			return s
		}
	}
	return nil
}

// OpenSubtopics returns every subtopic entry across all topics whose
// status is open or stable — the set eligible to be continued.
func (idx *GuidelinesIndex) OpenSubtopics() []*IndexSubtopicEntry {
	var out []*IndexSubtopicEntry
	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			if s.Status == SubtopicOpen || s.Status == SubtopicStable {
				out = append(out, s)
			}
		}
	}
	return out
}

// PageIndexEntry records which subtopic a page was assigned to.
type PageIndexEntry struct {
	PageNum     int     `json:"page_num"`
	TopicKey    string  `json:"topic_key"`
	SubtopicKey string  `json:"subtopic_key"`
	Confidence  float64 `json:"confidence"`
	Provisional bool    `json:"provisional"`
}

// PageIndex maps page number to its subtopic assignment.
type PageIndex struct {
	BookID string                  `json:"book_id"`
	Pages  map[int]*PageIndexEntry `json:"pages"`
}

// NewPageIndex returns an empty page index for a book.
func NewPageIndex(bookID string) *PageIndex {
	return &PageIndex{BookID: bookID, Pages: make(map[int]*PageIndexEntry)}
}

// PageGuideline is the per-page minisummary document, used only as
// context for subsequent pages.
type PageGuideline struct {
	PageNum     int    `json:"page_num"`
	Minisummary string `json:"minisummary"`
}

// TeachingGuidelineRow is one row synced into the relational store during
// finalization, one per surviving shard.
type TeachingGuidelineRow struct {
	ID              string `json:"id"`
	BookID          string `json:"book_id"`
	TopicKey        string `json:"topic_key"`
	TopicTitle      string `json:"topic_title"`
	SubtopicKey     string `json:"subtopic_key"`
	SubtopicTitle   string `json:"subtopic_title"`
	Guidelines      string `json:"guidelines"`
	SubtopicSummary string `json:"subtopic_summary"`
	ReviewStatus    string `json:"review_status"`
}

// ReviewStatusToBeReviewed is the fixed review status every synced row
// gets; downstream human review moves it elsewhere.
const ReviewStatusToBeReviewed = "TO_BE_REVIEWED"
