package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/joblock"
	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// DefaultStabilityThreshold is the number of consecutive pages without an
// update to a subtopic after which it moves from open to stable.
const DefaultStabilityThreshold = 5

// Orchestrator runs the extraction loop (C4): one page at a time, it turns
// OCR text into shard guidelines, a guidelines index, and a page index.
type Orchestrator struct {
	store artifactstore.Store
	lock  *joblock.Service

	minisummary *MinisummaryService
	boundary    *BoundaryDetector
	merge       *MergeService
	summary     *SummaryReducer

	stabilityThreshold int
	logger             *slog.Logger
	recorder           *metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStabilityThreshold overrides DefaultStabilityThreshold.
func WithStabilityThreshold(n int) Option {
	return func(o *Orchestrator) { o.stabilityThreshold = n }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics records every LLM call against rec, keyed by pipeline stage.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = rec }
}

// New builds an Orchestrator around an object store, the job lock service,
// and a single LLM client shared across the minisummary, boundary
// detection, merge, and summary-reduction sub-services.
func New(store artifactstore.Store, lock *joblock.Service, llm providers.LLMClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:              store,
		lock:               lock,
		stabilityThreshold: DefaultStabilityThreshold,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.minisummary = NewMinisummaryService(metrics.LLM(llm, o.recorder, "minisummary"))
	o.boundary = NewBoundaryDetector(metrics.LLM(llm, o.recorder, "boundary"))
	o.merge = NewMergeService(metrics.LLM(llm, o.recorder, "merge"))
	o.summary = NewSummaryReducer(metrics.LLM(llm, o.recorder, "summary"))
	return o
}

// Run processes pageNums in order for bookID under jobID, reporting
// progress through the job lock service. Per-page failures are recorded in
// progress_detail and never abort the loop; only a failure to even load
// the guidelines/page indices is treated as job-level fatal.
func (o *Orchestrator) Run(ctx context.Context, jobID, bookID string, book model.Book, pageNums []int) error {
	layout := artifactstore.NewLayout(bookID)

	idx, err := o.loadOrCreateIndex(ctx, layout, bookID)
	if err != nil {
		return o.failJob(ctx, jobID, fmt.Errorf("load guidelines index: %w", err))
	}
	pageIdx, err := o.loadOrCreatePageIndex(ctx, layout, bookID)
	if err != nil {
		return o.failJob(ctx, jobID, fmt.Errorf("load page index: %w", err))
	}

	detail := &ProgressDetail{PageErrors: make(map[string]PageError)}
	var completed, failed, lastCompleted int

	for _, pageNum := range pageNums {
		if err := o.reportProgress(ctx, jobID, pageNum, completed, failed, lastCompleted, detail); err != nil {
			o.logger.Warn("progress update failed", "job_id", jobID, "page", pageNum, "error", err)
		}

		res, perr := o.ProcessPage(ctx, layout, book, idx, pageIdx, pageNum)
		if perr != nil {
			failed++
			detail.PageErrors[fmt.Sprintf("%d", pageNum)] = PageError{Error: perr.Error(), ErrorType: "terminal"}
			o.logger.Error("page extraction failed", "book_id", bookID, "page", pageNum, "error", perr)
		} else {
			completed++
			if res.IsNewTopic {
				detail.Stats.SubtopicsCreated++
			} else {
				detail.Stats.SubtopicsMerged++
			}
		}
		lastCompleted = pageNum

		if err := o.reportProgress(ctx, jobID, pageNum, completed, failed, lastCompleted, detail); err != nil {
			o.logger.Warn("progress update failed", "job_id", jobID, "page", pageNum, "error", err)
		}
	}

	if err := o.lock.Release(ctx, jobID, model.JobStatusCompleted, ""); err != nil {
		o.logger.Error("failed to release completed job", "job_id", jobID, "error", err)
	}
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, err error) error {
	if releaseErr := o.lock.Release(ctx, jobID, model.JobStatusFailed, err.Error()); releaseErr != nil {
		o.logger.Error("failed to release job after fatal error", "job_id", jobID, "error", releaseErr)
	}
	return err
}

// ProcessPage runs the full per-page pipeline: load OCR text, summarize,
// build a context pack, detect the topic boundary and extract guidelines,
// create-or-merge the subtopic shard, regenerate summaries, update the
// indices, save the page's minisummary, and sweep for newly stable
// subtopics. idx and pageIdx are mutated and persisted in place.
func (o *Orchestrator) ProcessPage(ctx context.Context, layout artifactstore.Layout, book model.Book, idx *model.GuidelinesIndex, pageIdx *model.PageIndex, pageNum int) (*PageResult, error) {
	pageText, err := o.loadPageText(ctx, layout, pageNum)
	if err != nil {
		return nil, fmt.Errorf("load ocr text for page %d: %w", pageNum, err)
	}
	if len(pageText) == 0 {
		return nil, fmt.Errorf("page %d has empty ocr text", pageNum)
	}

	minisummary := o.minisummary.Generate(ctx, pageText)

	pack, err := buildContextPack(ctx, o.store, layout, book, idx, pageNum)
	if err != nil {
		return nil, fmt.Errorf("build context pack for page %d: %w", pageNum, err)
	}

	br, err := o.boundary.Detect(ctx, pack, pageText)
	if err != nil {
		return nil, fmt.Errorf("detect boundary for page %d: %w", pageNum, err)
	}

	topicKey, topicTitle := CanonicalizeTitle(br.TopicName)
	subtopicKey, subtopicTitle := CanonicalizeTitle(br.SubtopicName)

	shard, err := o.createOrMergeShard(ctx, layout, br, topicKey, topicTitle, subtopicKey, subtopicTitle, pageNum)
	if err != nil {
		return nil, fmt.Errorf("create or merge shard for page %d: %w", pageNum, err)
	}

	subtopicSummary := o.summary.SubtopicSummary(ctx, subtopicTitle, shard.Guidelines)
	shard.SubtopicSummary = subtopicSummary
	shard.Version++
	shard.UpdatedAt = time.Now().UTC()

	if err := o.store.UploadJSON(ctx, layout.Shard(topicKey, subtopicKey), shard); err != nil {
		return nil, fmt.Errorf("save shard %s/%s: %w", topicKey, subtopicKey, err)
	}

	topic := upsertTopic(idx, topicKey, topicTitle)
	topicSummary := o.summary.TopicSummary(ctx, topicTitle, subtopicSummariesForTopic(topic, subtopicKey, subtopicSummary))
	topic.TopicSummary = topicSummary

	upsertSubtopic(topic, subtopicKey, subtopicTitle, pageNum, model.SubtopicOpen, subtopicSummary)
	upsertPageIndexEntry(pageIdx, pageNum, topicKey, subtopicKey)

	sweepStability(idx, pageNum, o.stabilityThresholdOrDefault())

	idx.Version++
	idx.LastUpdated = time.Now().UTC()
	if err := o.store.UploadJSON(ctx, layout.Index(), idx); err != nil {
		return nil, fmt.Errorf("save guidelines index: %w", err)
	}
	if err := o.store.UploadJSON(ctx, layout.PageIndex(), pageIdx); err != nil {
		return nil, fmt.Errorf("save page index: %w", err)
	}

	pg := model.PageGuideline{PageNum: pageNum, Minisummary: minisummary}
	if err := o.store.UploadJSON(ctx, layout.PageGuideline(pageNum), pg); err != nil {
		return nil, fmt.Errorf("save page guideline for page %d: %w", pageNum, err)
	}

	return &PageResult{PageNum: pageNum, TopicKey: topicKey, SubtopicKey: subtopicKey, IsNewTopic: br.IsNewTopic}, nil
}

func (o *Orchestrator) stabilityThresholdOrDefault() int {
	if o.stabilityThreshold <= 0 {
		return DefaultStabilityThreshold
	}
	return o.stabilityThreshold
}

// createOrMergeShard: a new-topic decision always starts
// a fresh shard; otherwise the detected subtopic's existing shard (if any)
// is merged with this page's guidelines. A missing shard despite
// is_new_topic=false is graceful degradation (the referenced subtopic's
// shard was deleted or never existed): it is treated as a fresh shard
// rather than failing the page.
func (o *Orchestrator) createOrMergeShard(ctx context.Context, layout artifactstore.Layout, br *BoundaryResult, topicKey, topicTitle, subtopicKey, subtopicTitle string, pageNum int) (*model.SubtopicShard, error) {
	if !br.IsNewTopic {
		var existing model.SubtopicShard
		err := o.store.DownloadJSON(ctx, layout.Shard(topicKey, subtopicKey), &existing)
		if err == nil {
			existing.Guidelines = o.merge.Merge(ctx, subtopicTitle, existing.Guidelines, br.PageGuidelines)
			if pageNum < existing.SourcePageStart || existing.SourcePageStart == 0 {
				existing.SourcePageStart = pageNum
			}
			if pageNum > existing.SourcePageEnd {
				existing.SourcePageEnd = pageNum
			}
			return &existing, nil
		}
		if !errors.Is(err, artifactstore.NotFound) {
			return nil, err
		}
		o.logger.Warn("continuing page referenced a shard that does not exist; starting a new one", "topic_key", topicKey, "subtopic_key", subtopicKey, "page", pageNum)
	}

	return &model.SubtopicShard{
		TopicKey:        topicKey,
		SubtopicKey:     subtopicKey,
		TopicTitle:      topicTitle,
		SubtopicTitle:   subtopicTitle,
		SourcePageStart: pageNum,
		SourcePageEnd:   pageNum,
		Guidelines:      br.PageGuidelines,
	}, nil
}

// loadPageText reads a page's OCR text at its canonical key, falling back
// to the key recorded in the page-metadata document for installs where the
// two have drifted.
func (o *Orchestrator) loadPageText(ctx context.Context, layout artifactstore.Layout, pageNum int) (string, error) {
	data, err := o.store.DownloadBytes(ctx, layout.OCRText(pageNum))
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, artifactstore.NotFound) {
		return "", err
	}

	var meta model.PageMetadataDoc
	if metaErr := o.store.DownloadJSON(ctx, layout.Metadata(), &meta); metaErr != nil {
		return "", err
	}
	page, ok := meta.Pages[pageNum]
	if !ok || page.TextKey == "" {
		return "", err
	}
	data, fallbackErr := o.store.DownloadBytes(ctx, page.TextKey)
	if fallbackErr != nil {
		return "", fallbackErr
	}
	return string(data), nil
}

func (o *Orchestrator) loadOrCreateIndex(ctx context.Context, layout artifactstore.Layout, bookID string) (*model.GuidelinesIndex, error) {
	var idx model.GuidelinesIndex
	err := o.store.DownloadJSON(ctx, layout.Index(), &idx)
	if err == nil {
		return &idx, nil
	}
	if errors.Is(err, artifactstore.NotFound) {
		return model.NewGuidelinesIndex(bookID), nil
	}
	return nil, err
}

func (o *Orchestrator) loadOrCreatePageIndex(ctx context.Context, layout artifactstore.Layout, bookID string) (*model.PageIndex, error) {
	var pi model.PageIndex
	err := o.store.DownloadJSON(ctx, layout.PageIndex(), &pi)
	if err == nil {
		if pi.Pages == nil {
			pi.Pages = make(map[int]*model.PageIndexEntry)
		}
		return &pi, nil
	}
	if errors.Is(err, artifactstore.NotFound) {
		return model.NewPageIndex(bookID), nil
	}
	return nil, err
}

func (o *Orchestrator) reportProgress(ctx context.Context, jobID string, currentItem, completed, failed, lastCompleted int, detail *ProgressDetail) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	detailStr := string(data)
	lc := lastCompleted
	return o.lock.UpdateProgress(ctx, jobID, currentItem, completed, failed, &lc, &detailStr)
}
