package orchestrator

import "github.com/owlpress/guideline-pipeline/internal/model"

// pageAssignmentConfidence is the fixed confidence every page-index entry
// gets. The boundary detector doesn't itself produce a confidence score,
// so every assignment is recorded as provisional=false, confidence 0.9.
const pageAssignmentConfidence = 0.9

// upsertTopic finds or creates idx's entry for topicKey, preserving its
// existing title and summary if already present.
func upsertTopic(idx *model.GuidelinesIndex, topicKey, topicTitle string) *model.IndexTopicEntry {
	if t := idx.FindTopic(topicKey); t != nil {
		return t
	}
	t := &model.IndexTopicEntry{TopicKey: topicKey, TopicTitle: topicTitle}
	idx.Topics = append(idx.Topics, t)
	return t
}

// upsertSubtopic finds or creates the subtopic entry under topic, extends
// its page range to include pageNum, and sets its status and summary.
func upsertSubtopic(topic *model.IndexTopicEntry, subtopicKey, subtopicTitle string, pageNum int, status model.SubtopicStatus, summary string) *model.IndexSubtopicEntry {
	for _, s := range topic.Subtopics {
		if s.SubtopicKey == subtopicKey {
			if pageNum < s.PageRangeStart || s.PageRangeStart == 0 {
				s.PageRangeStart = pageNum
			}
			if pageNum > s.PageRangeEnd {
				s.PageRangeEnd = pageNum
			}
			s.Status = status
			if summary != "" {
				s.SubtopicSummary = summary
			}
			return s
		}
	}
	s := &model.IndexSubtopicEntry{
		SubtopicKey:     subtopicKey,
		SubtopicTitle:   subtopicTitle,
		Status:          status,
		PageRangeStart:  pageNum,
		PageRangeEnd:    pageNum,
		SubtopicSummary: summary,
	}
	topic.Subtopics = append(topic.Subtopics, s)
	return s
}

// subtopicSummariesForTopic collects every subtopic's current summary
// under topic, overriding (or adding) current's summary for the subtopic
// being processed this page — the topic rollup runs before that summary
// has been written into the index.
func subtopicSummariesForTopic(topic *model.IndexTopicEntry, currentSubtopicKey, currentSummary string) []string {
	var out []string
	seen := false
	for _, s := range topic.Subtopics {
		if s.SubtopicKey == currentSubtopicKey {
			out = append(out, currentSummary)
			seen = true
			continue
		}
		if s.SubtopicSummary != "" {
			out = append(out, s.SubtopicSummary)
		}
	}
	if !seen {
		out = append(out, currentSummary)
	}
	return out
}

// sweepStability moves every open subtopic whose most recent page is at
// least threshold pages behind currentPage to stable. It runs after every
// page.
func sweepStability(idx *model.GuidelinesIndex, currentPage, threshold int) {
	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			if s.Status == model.SubtopicOpen && currentPage-s.PageRangeEnd >= threshold {
				s.Status = model.SubtopicStable
			}
		}
	}
}

func upsertPageIndexEntry(pi *model.PageIndex, pageNum int, topicKey, subtopicKey string) {
	pi.Pages[pageNum] = &model.PageIndexEntry{
		PageNum:     pageNum,
		TopicKey:    topicKey,
		SubtopicKey: subtopicKey,
		Confidence:  pageAssignmentConfidence,
		Provisional: false,
	}
}
