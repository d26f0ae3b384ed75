package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/jobdb"
	"github.com/owlpress/guideline-pipeline/internal/joblock"
	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/orchestrator"
	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// totalSteps is the fixed number of finalization steps reported through
// update_progress: stabilize, rename, dedup, topic summaries, db sync.
const totalSteps = 5

// Finalizer runs the finalization pass (C5): stabilize the index, refine
// shard names, merge duplicate subtopics, regenerate topic summaries, and
// optionally sync the surviving shards into the relational store.
type Finalizer struct {
	store artifactstore.Store
	lock  *joblock.Service
	db    *jobdb.Store

	rename *NameRefinementService
	dedup  *DeduplicationService
	merge  *orchestrator.MergeService
	sumry  *orchestrator.SummaryReducer

	logger   *slog.Logger
	recorder *metrics.Recorder
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Finalizer) { f.logger = logger }
}

// WithMetrics records every LLM call against rec, keyed by finalization
// stage.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(f *Finalizer) { f.recorder = rec }
}

// New builds a Finalizer around an object store, the job lock service, the
// relational store, and a single LLM client shared across name refinement,
// deduplication, merge, and summary reduction.
func New(store artifactstore.Store, lock *joblock.Service, db *jobdb.Store, llm providers.LLMClient, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:  store,
		lock:   lock,
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.rename = NewNameRefinementService(metrics.LLM(llm, f.recorder, "rename"))
	f.dedup = NewDeduplicationService(metrics.LLM(llm, f.recorder, "dedup"))
	f.merge = orchestrator.NewMergeService(metrics.LLM(llm, f.recorder, "merge"))
	f.sumry = orchestrator.NewSummaryReducer(metrics.LLM(llm, f.recorder, "summary"))
	return f
}

// Run executes the five-step finalization pass for bookID under jobID.
// Any step-level failure to even load the index is job-fatal; once the
// index is loaded, individual LLM calls degrade to their documented safe
// defaults rather than aborting the run.
func (f *Finalizer) Run(ctx context.Context, jobID, bookID string, book model.Book, autoSyncToDB bool) (*Result, error) {
	layout := artifactstore.NewLayout(bookID)

	idx, err := f.loadIndex(ctx, layout)
	if err != nil {
		return nil, f.failJob(ctx, jobID, fmt.Errorf("load guidelines index: %w", err))
	}

	var stats Stats

	// Step 1: mark every open/stable subtopic final. Shards carry no
	// status of their own; the index is the sole source of truth for it.
	markAllFinal(idx)
	f.reportProgress(ctx, jobID, 1, "stabilize", stats)

	// Step 2: name refinement.
	if err := f.refineNames(ctx, layout, idx, book, &stats); err != nil {
		return nil, f.failJob(ctx, jobID, fmt.Errorf("name refinement: %w", err))
	}
	f.reportProgress(ctx, jobID, 2, "rename", stats)

	// Step 3: deduplication.
	if err := f.deduplicate(ctx, layout, idx, &stats); err != nil {
		return nil, f.failJob(ctx, jobID, fmt.Errorf("deduplication: %w", err))
	}
	f.reportProgress(ctx, jobID, 3, "dedup", stats)

	// Step 4: regenerate topic summaries from final subtopic summaries.
	f.regenerateTopicSummaries(ctx, idx)
	if err := f.saveIndex(ctx, layout, idx); err != nil {
		return nil, f.failJob(ctx, jobID, fmt.Errorf("save final index: %w", err))
	}
	f.reportProgress(ctx, jobID, 4, "topic_summaries", stats)

	// Step 5: database sync.
	result := &Result{Stats: stats, FinalIndex: idx}
	if autoSyncToDB {
		rows, err := f.buildSyncRows(ctx, layout, idx)
		if err != nil {
			return nil, f.failJob(ctx, jobID, fmt.Errorf("load shards for sync: %w", err))
		}
		if err := f.db.SyncTeachingGuidelines(ctx, bookID, rows); err != nil {
			return nil, f.failJob(ctx, jobID, fmt.Errorf("sync teaching guidelines: %w", err))
		}
		result.RowsSynced = len(rows)
		result.SyncedToDB = true
	}
	f.reportProgress(ctx, jobID, totalSteps, "done", stats)

	if err := f.lock.Release(ctx, jobID, model.JobStatusCompleted, ""); err != nil {
		f.logger.Error("failed to release completed finalization job", "job_id", jobID, "error", err)
	}
	return result, nil
}

func (f *Finalizer) failJob(ctx context.Context, jobID string, err error) error {
	if releaseErr := f.lock.Release(ctx, jobID, model.JobStatusFailed, err.Error()); releaseErr != nil {
		f.logger.Error("failed to release finalization job after fatal error", "job_id", jobID, "error", releaseErr)
	}
	return err
}

func (f *Finalizer) reportProgress(ctx context.Context, jobID string, step int, name string, stats Stats) {
	detail := ProgressDetail{Step: name, Stats: stats}
	data, err := json.Marshal(detail)
	if err != nil {
		return
	}
	detailStr := string(data)
	lc := step
	if err := f.lock.UpdateProgress(ctx, jobID, step, step, 0, &lc, &detailStr); err != nil {
		f.logger.Warn("finalization progress update failed", "job_id", jobID, "step", name, "error", err)
	}
}

func markAllFinal(idx *model.GuidelinesIndex) {
	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			if s.Status == model.SubtopicOpen || s.Status == model.SubtopicStable {
				s.Status = model.SubtopicFinal
			}
		}
	}
}

// refineNames implements step 2: for every shard currently in the index,
// propose a refined title/key pair. A key change moves the shard to its
// new canonical path and rewrites its index entry in place; a title-only
// change updates the shard and index without moving anything.
func (f *Finalizer) refineNames(ctx context.Context, layout artifactstore.Layout, idx *model.GuidelinesIndex, book model.Book, stats *Stats) error {
	type move struct {
		oldTopicKey, oldSubtopicKey string
		newTopicKey, newTopicTitle  string
		newSubtopicKey, newSubTitle string
	}
	var moves []move

	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			var shard model.SubtopicShard
			err := f.store.DownloadJSON(ctx, layout.Shard(t.TopicKey, s.SubtopicKey), &shard)
			if err != nil {
				if errors.Is(err, artifactstore.NotFound) {
					f.logger.Warn("name refinement: shard missing for index entry, skipping", "topic_key", t.TopicKey, "subtopic_key", s.SubtopicKey)
					continue
				}
				return err
			}

			refined := f.rename.Refine(ctx, book, &shard)
			if refined.TopicKey == t.TopicKey && refined.SubtopicKey == s.SubtopicKey {
				if refined.TopicTitle != t.TopicTitle || refined.SubtopicTitle != s.SubtopicTitle {
					t.TopicTitle = refined.TopicTitle
					s.SubtopicTitle = refined.SubtopicTitle
					shard.TopicTitle = refined.TopicTitle
					shard.SubtopicTitle = refined.SubtopicTitle
					shard.UpdatedAt = time.Now().UTC()
					if err := f.store.UploadJSON(ctx, layout.Shard(t.TopicKey, s.SubtopicKey), &shard); err != nil {
						return err
					}
					stats.NamesRefined++
				}
				continue
			}

			shard.TopicKey = refined.TopicKey
			shard.TopicTitle = refined.TopicTitle
			shard.SubtopicKey = refined.SubtopicKey
			shard.SubtopicTitle = refined.SubtopicTitle
			shard.UpdatedAt = time.Now().UTC()
			if err := f.store.UploadJSON(ctx, layout.Shard(refined.TopicKey, refined.SubtopicKey), &shard); err != nil {
				return err
			}
			if err := f.store.Delete(ctx, layout.Shard(t.TopicKey, s.SubtopicKey)); err != nil && !errors.Is(err, artifactstore.NotFound) {
				return err
			}
			moves = append(moves, move{
				oldTopicKey: t.TopicKey, oldSubtopicKey: s.SubtopicKey,
				newTopicKey: refined.TopicKey, newTopicTitle: refined.TopicTitle,
				newSubtopicKey: refined.SubtopicKey, newSubTitle: refined.SubtopicTitle,
			})
			stats.NamesRefined++
		}
	}

	for _, m := range moves {
		entry := removeSubtopic(idx, m.oldTopicKey, m.oldSubtopicKey)
		if entry == nil {
			continue
		}
		entry.SubtopicKey = m.newSubtopicKey
		entry.SubtopicTitle = m.newSubTitle
		dest := findOrCreateTopic(idx, m.newTopicKey, m.newTopicTitle)
		dest.Subtopics = append(dest.Subtopics, entry)
	}
	return nil
}

// deduplicate implements step 3: ask the LLM for duplicate pairs across
// the current (post-rename) index, then merge and drop each confirmed
// pair. Pairs referencing an already-merged-away subtopic (because an
// earlier pair in this same batch consumed it) are skipped.
func (f *Finalizer) deduplicate(ctx context.Context, layout artifactstore.Layout, idx *model.GuidelinesIndex, stats *Stats) error {
	refs := collectShardRefs(idx, func(t *model.IndexTopicEntry, s *model.IndexSubtopicEntry) (string, error) {
		var shard model.SubtopicShard
		if err := f.store.DownloadJSON(ctx, layout.Shard(t.TopicKey, s.SubtopicKey), &shard); err != nil {
			return "", err
		}
		return truncate(shard.Guidelines, dedupPreviewCap), nil
	})

	pairs := f.dedup.FindDuplicates(ctx, refs)
	if len(pairs) == 0 {
		return nil
	}

	removed := make(map[string]bool)
	key := func(topic, subtopic string) string { return topic + "/" + subtopic }

	for _, p := range pairs {
		k1, k2 := key(p.Topic1, p.Subtopic1), key(p.Topic2, p.Subtopic2)
		if k1 == k2 || removed[k1] || removed[k2] {
			continue
		}

		var s1, s2 model.SubtopicShard
		if err := f.store.DownloadJSON(ctx, layout.Shard(p.Topic1, p.Subtopic1), &s1); err != nil {
			if errors.Is(err, artifactstore.NotFound) {
				continue
			}
			return err
		}
		if err := f.store.DownloadJSON(ctx, layout.Shard(p.Topic2, p.Subtopic2), &s2); err != nil {
			if errors.Is(err, artifactstore.NotFound) {
				continue
			}
			return err
		}

		s1.Guidelines = f.merge.Merge(ctx, s1.SubtopicTitle, s1.Guidelines, s2.Guidelines)
		if s2.SourcePageStart < s1.SourcePageStart || s1.SourcePageStart == 0 {
			s1.SourcePageStart = s2.SourcePageStart
		}
		if s2.SourcePageEnd > s1.SourcePageEnd {
			s1.SourcePageEnd = s2.SourcePageEnd
		}
		s1.Version++
		s1.UpdatedAt = time.Now().UTC()
		s1.SubtopicSummary = f.sumry.SubtopicSummary(ctx, s1.SubtopicTitle, s1.Guidelines)

		if err := f.store.UploadJSON(ctx, layout.Shard(p.Topic1, p.Subtopic1), &s1); err != nil {
			return err
		}
		if err := f.store.Delete(ctx, layout.Shard(p.Topic2, p.Subtopic2)); err != nil && !errors.Is(err, artifactstore.NotFound) {
			return err
		}

		if entry := idx.FindSubtopic(p.Topic1, p.Subtopic1); entry != nil {
			entry.PageRangeStart = s1.SourcePageStart
			entry.PageRangeEnd = s1.SourcePageEnd
			entry.SubtopicSummary = s1.SubtopicSummary
		}
		removeSubtopic(idx, p.Topic2, p.Subtopic2)
		removed[k2] = true

		stats.SubtopicsMerged++
		stats.SubtopicsDropped++
	}
	return nil
}

// regenerateTopicSummaries implements step 4: reduce every topic's final
// subtopic summaries into a topic-level rollup.
func (f *Finalizer) regenerateTopicSummaries(ctx context.Context, idx *model.GuidelinesIndex) {
	for _, t := range idx.Topics {
		var summaries []string
		for _, s := range t.Subtopics {
			if s.SubtopicSummary != "" {
				summaries = append(summaries, s.SubtopicSummary)
			}
		}
		t.TopicSummary = f.sumry.TopicSummary(ctx, t.TopicTitle, summaries)
	}
}

// buildSyncRows downloads every surviving shard and builds one
// TeachingGuidelineRow per shard, for step 5's database sync.
func (f *Finalizer) buildSyncRows(ctx context.Context, layout artifactstore.Layout, idx *model.GuidelinesIndex) ([]model.TeachingGuidelineRow, error) {
	var rows []model.TeachingGuidelineRow
	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			var shard model.SubtopicShard
			if err := f.store.DownloadJSON(ctx, layout.Shard(t.TopicKey, s.SubtopicKey), &shard); err != nil {
				return nil, fmt.Errorf("load shard %s/%s: %w", t.TopicKey, s.SubtopicKey, err)
			}
			rows = append(rows, model.TeachingGuidelineRow{
				ID:              uuid.NewString(),
				BookID:          idx.BookID,
				TopicKey:        t.TopicKey,
				TopicTitle:      t.TopicTitle,
				SubtopicKey:     s.SubtopicKey,
				SubtopicTitle:   s.SubtopicTitle,
				Guidelines:      shard.Guidelines,
				SubtopicSummary: shard.SubtopicSummary,
				ReviewStatus:    model.ReviewStatusToBeReviewed,
			})
		}
	}
	return rows, nil
}

func (f *Finalizer) loadIndex(ctx context.Context, layout artifactstore.Layout) (*model.GuidelinesIndex, error) {
	var idx model.GuidelinesIndex
	if err := f.store.DownloadJSON(ctx, layout.Index(), &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// saveIndex best-effort snapshots the outgoing version before overwriting
// the canonical index, per the artifact store's snapshot policy: a
// snapshot failure logs and proceeds rather than blocking the primary
// write.
func (f *Finalizer) saveIndex(ctx context.Context, layout artifactstore.Layout, idx *model.GuidelinesIndex) error {
	if idx.Version > 0 {
		if err := f.store.UploadJSON(ctx, layout.IndexSnapshot(idx.Version), idx); err != nil {
			f.logger.Warn("index snapshot failed, proceeding with primary write", "error", err)
		}
	}
	idx.Version++
	idx.LastUpdated = time.Now().UTC()
	return f.store.UploadJSON(ctx, layout.Index(), idx)
}

func removeSubtopic(idx *model.GuidelinesIndex, topicKey, subtopicKey string) *model.IndexSubtopicEntry {
	for ti, t := range idx.Topics {
		if t.TopicKey != topicKey {
			continue
		}
		for si, s := range t.Subtopics {
			if s.SubtopicKey != subtopicKey {
				continue
			}
			entry := s
			t.Subtopics = append(t.Subtopics[:si], t.Subtopics[si+1:]...)
			if len(t.Subtopics) == 0 {
				idx.Topics = append(idx.Topics[:ti], idx.Topics[ti+1:]...)
			}
			return entry
		}
	}
	return nil
}

func findOrCreateTopic(idx *model.GuidelinesIndex, topicKey, topicTitle string) *model.IndexTopicEntry {
	if t := idx.FindTopic(topicKey); t != nil {
		return t
	}
	t := &model.IndexTopicEntry{TopicKey: topicKey, TopicTitle: topicTitle}
	idx.Topics = append(idx.Topics, t)
	return t
}

func collectShardRefs(idx *model.GuidelinesIndex, preview func(*model.IndexTopicEntry, *model.IndexSubtopicEntry) (string, error)) []shardRef {
	var refs []shardRef
	for _, t := range idx.Topics {
		for _, s := range t.Subtopics {
			p, err := preview(t, s)
			if err != nil {
				continue
			}
			refs = append(refs, shardRef{
				TopicKey: t.TopicKey, TopicTitle: t.TopicTitle,
				SubtopicKey: s.SubtopicKey, SubtopicTitle: s.SubtopicTitle,
				PreviewText: p, PageStart: s.PageRangeStart, PageEnd: s.PageRangeEnd,
			})
		}
	}
	return refs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
