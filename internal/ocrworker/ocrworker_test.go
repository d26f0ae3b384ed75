package ocrworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/jobdb"
	"github.com/owlpress/guideline-pipeline/internal/joblock"
	"github.com/owlpress/guideline-pipeline/internal/model"
	"github.com/owlpress/guideline-pipeline/internal/providers"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newLockService(t *testing.T) *joblock.Service {
	t.Helper()
	store, err := jobdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open jobdb: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return joblock.NewService(store)
}

func seedBook(t *testing.T, store artifactstore.Store, bookID string, numPages int) {
	t.Helper()
	layout := artifactstore.NewLayout(bookID)
	doc := model.NewPageMetadataDoc(bookID)
	for p := 1; p <= numPages; p++ {
		rawKey := layout.RawPage(p, "png")
		if err := store.UploadBytes(context.Background(), rawKey, testPNG(t, 40, 60)); err != nil {
			t.Fatalf("seed raw page %d: %v", p, err)
		}
		doc.Pages[p] = &model.PageMetadata{
			PageNum:     p,
			RawImageKey: rawKey,
			OCRStatus:   model.OCRStatusPending,
		}
	}
	if err := store.UploadJSON(context.Background(), layout.Metadata(), doc); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
}

// pageFailingOCR fails ProcessImage for one specific page number (every
// attempt at that page) with a configurable error message, succeeding on
// every other page — used to reproduce a single mid-batch failure without
// MockOCRProvider's cumulative-count semantics across retries.
type pageFailingOCR struct {
	*providers.MockOCRProvider
	failOnPage int
	failMsg    string
}

func (p *pageFailingOCR) ProcessImage(ctx context.Context, image []byte, pageNum int) (*providers.OCRResult, error) {
	if pageNum == p.failOnPage {
		return &providers.OCRResult{Success: false, ErrorMessage: p.failMsg}, errors.New(p.failMsg)
	}
	return p.MockOCRProvider.ProcessImage(ctx, image, pageNum)
}

type countingStore struct {
	*artifactstore.MemStore
	metadataKey string
	flushes     int
}

func (c *countingStore) UploadJSON(ctx context.Context, key string, v any) error {
	if key == c.metadataKey {
		c.flushes++
	}
	return c.MemStore.UploadJSON(ctx, key, v)
}

func TestWorker_Run_HappyPath(t *testing.T) {
	ctx := context.Background()
	bookID := "book-happy"
	mem := artifactstore.NewMemStore()
	store := &countingStore{MemStore: mem, metadataKey: artifactstore.NewLayout(bookID).Metadata()}
	// Seed through the plain MemStore so only the worker's own flushes are counted.
	seedBook(t, mem, bookID, 5)

	lock := newLockService(t)
	jobID, err := lock.Acquire(ctx, bookID, model.JobTypeOCRBatch, 5)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Start(ctx, jobID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ocr := providers.NewMockOCRProvider()
	ocr.Latency = 0
	w := NewWorker(store, ocr, lock, WithFlushInterval(5))

	if err := w.Run(ctx, jobID, bookID, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := lock.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != model.JobStatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.CompletedItems != 5 || job.FailedItems != 0 {
		t.Errorf("completed=%d failed=%d, want 5/0", job.CompletedItems, job.FailedItems)
	}

	// ⌊5/5⌋ + 1 = 2 flushes.
	if store.flushes != 2 {
		t.Errorf("flushes = %d, want 2", store.flushes)
	}

	var doc model.PageMetadataDoc
	if err := store.DownloadJSON(ctx, artifactstore.NewLayout(bookID).Metadata(), &doc); err != nil {
		t.Fatalf("DownloadJSON metadata: %v", err)
	}
	for p := 1; p <= 5; p++ {
		page := doc.Pages[p]
		if page == nil {
			t.Fatalf("page %d missing from metadata", p)
		}
		if page.OCRStatus != model.OCRStatusCompleted {
			t.Errorf("page %d status = %q, want completed", p, page.OCRStatus)
		}
		if page.TextKey == "" {
			t.Errorf("page %d has no text_key", p)
		}
	}
}

func TestWorker_Run_MidBatchFailure(t *testing.T) {
	ctx := context.Background()
	bookID := "book-midfail"
	mem := artifactstore.NewMemStore()
	store := &countingStore{MemStore: mem, metadataKey: artifactstore.NewLayout(bookID).Metadata()}
	seedBook(t, store, bookID, 5)

	lock := newLockService(t)
	jobID, err := lock.Acquire(ctx, bookID, model.JobTypeOCRBatch, 5)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Start(ctx, jobID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := providers.NewMockOCRProvider()
	base.Latency = 0
	base.Retries = 1 // no retry budget: the classified-retryable 429 still exhausts immediately
	ocr := &pageFailingOCR{MockOCRProvider: base, failOnPage: 3, failMsg: "Rate limit exceeded (429)"}
	w := NewWorker(store, ocr, lock, WithFlushInterval(5))

	if err := w.Run(ctx, jobID, bookID, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := lock.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != model.JobStatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.CompletedItems != 4 || job.FailedItems != 1 {
		t.Errorf("completed=%d failed=%d, want 4/1", job.CompletedItems, job.FailedItems)
	}

	if job.ProgressDetail == "" {
		t.Fatal("progress_detail is empty")
	}
	var detail ProgressDetail
	if err := json.Unmarshal([]byte(job.ProgressDetail), &detail); err != nil {
		t.Fatalf("unmarshal progress_detail: %v", err)
	}
	pe, ok := detail.PageErrors["3"]
	if !ok {
		t.Fatal("page_errors missing entry for page 3")
	}
	if pe.ErrorType != ErrorTypeRetryable {
		t.Errorf("page 3 error_type = %q, want retryable", pe.ErrorType)
	}

	var doc model.PageMetadataDoc
	if err := store.DownloadJSON(ctx, artifactstore.NewLayout(bookID).Metadata(), &doc); err != nil {
		t.Fatalf("DownloadJSON metadata: %v", err)
	}
	for _, p := range []int{1, 2, 4, 5} {
		if doc.Pages[p].OCRStatus != model.OCRStatusCompleted {
			t.Errorf("page %d status = %q, want completed", p, doc.Pages[p].OCRStatus)
		}
	}
	if doc.Pages[3].OCRStatus != model.OCRStatusFailed {
		t.Errorf("page 3 status = %q, want failed", doc.Pages[3].OCRStatus)
	}
}

func TestWorker_Run_EmptyPageList(t *testing.T) {
	ctx := context.Background()
	bookID := "book-empty"
	mem := artifactstore.NewMemStore()
	store := &countingStore{MemStore: mem, metadataKey: artifactstore.NewLayout(bookID).Metadata()}
	seedBook(t, store, bookID, 0)

	lock := newLockService(t)
	jobID, err := lock.Acquire(ctx, bookID, model.JobTypeOCRBatch, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Start(ctx, jobID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ocr := providers.NewMockOCRProvider()
	w := NewWorker(store, ocr, lock)
	if err := w.Run(ctx, jobID, bookID, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := lock.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != model.JobStatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.CompletedItems != 0 || job.FailedItems != 0 {
		t.Errorf("completed=%d failed=%d, want 0/0", job.CompletedItems, job.FailedItems)
	}
}

func TestWorker_RetryPage_RefusesWhileBulkRunning(t *testing.T) {
	ctx := context.Background()
	bookID := "book-retry"
	mem := artifactstore.NewMemStore()
	store := &countingStore{MemStore: mem, metadataKey: artifactstore.NewLayout(bookID).Metadata()}
	seedBook(t, store, bookID, 1)

	lock := newLockService(t)
	jobID, err := lock.Acquire(ctx, bookID, model.JobTypeOCRBatch, 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Start(ctx, jobID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ocr := providers.NewMockOCRProvider()
	w := NewWorker(store, ocr, lock)

	err = w.RetryPage(ctx, bookID, 1)
	var busy *joblock.ErrLockBusy
	if !errors.As(err, &busy) {
		t.Fatalf("RetryPage error = %v, want ErrLockBusy", err)
	}
}

func TestWorker_RetryPage_Succeeds(t *testing.T) {
	ctx := context.Background()
	bookID := "book-retry2"
	mem := artifactstore.NewMemStore()
	store := &countingStore{MemStore: mem, metadataKey: artifactstore.NewLayout(bookID).Metadata()}
	seedBook(t, store, bookID, 1)

	lock := newLockService(t)
	ocr := providers.NewMockOCRProvider()
	ocr.Latency = 0
	w := NewWorker(store, ocr, lock)

	if err := w.RetryPage(ctx, bookID, 1); err != nil {
		t.Fatalf("RetryPage: %v", err)
	}

	var doc model.PageMetadataDoc
	if err := store.DownloadJSON(ctx, artifactstore.NewLayout(bookID).Metadata(), &doc); err != nil {
		t.Fatalf("DownloadJSON metadata: %v", err)
	}
	if doc.Pages[1].OCRStatus != model.OCRStatusCompleted {
		t.Errorf("page status = %q, want completed", doc.Pages[1].OCRStatus)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorType
	}{
		{"Rate limit exceeded (429)", ErrorTypeRetryable},
		{"connection refused", ErrorTypeRetryable},
		{"request timeout", ErrorTypeRetryable},
		{"temporary failure", ErrorTypeRetryable},
		{"invalid image", ErrorTypeTerminal},
		{"cannot decode", ErrorTypeTerminal},
		{"unsupported format", ErrorTypeTerminal},
	}
	for _, tt := range cases {
		if got := Classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestPNGNormalizer_Convert(t *testing.T) {
	n := &PNGNormalizer{MaxDimension: 100}
	raw := testPNG(t, 200, 50)
	out, err := n.Convert(raw)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode converted output: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 100 || b.Dy() > 100 {
		t.Errorf("converted image bounds %v exceed MaxDimension 100", b)
	}
}

func TestPNGNormalizer_Convert_InvalidData(t *testing.T) {
	n := NewPNGNormalizer()
	if _, err := n.Convert([]byte("not an image")); err == nil {
		t.Error("Convert on invalid data: want error, got nil")
	}
}

