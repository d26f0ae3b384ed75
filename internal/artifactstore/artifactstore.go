// Package artifactstore implements C3: the canonical object-store layout
// for a book's pipeline artifacts (raw pages, canonical images, OCR text,
// shards, indices, snapshots) plus the generic Store contract the rest of
// the pipeline depends on.
package artifactstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// NotFound is returned by Download* and Delete when a key doesn't exist.
var NotFound = errors.New("artifact not found")

// Store is the object-store contract the core depends on. Concrete
// backends (S3, GCS, local filesystem) implement this; the core only
// ever talks to the interface.
type Store interface {
	UploadBytes(ctx context.Context, key string, data []byte) error
	UploadJSON(ctx context.Context, key string, v any) error
	DownloadBytes(ctx context.Context, key string) ([]byte, error)
	DownloadJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	GetPresignedURL(ctx context.Context, key string) (string, error)
	UpdateMetadataJSON(ctx context.Context, bookID string, metadata any) error
}

// Layout builds the canonical per-book key paths described in the
// artifact store layout: a flat naming scheme under books/{book_id}/.
type Layout struct {
	BookID string
}

// NewLayout returns a Layout rooted at books/{bookID}/.
func NewLayout(bookID string) Layout {
	return Layout{BookID: bookID}
}

func (l Layout) prefix() string {
	return fmt.Sprintf("books/%s/", l.BookID)
}

// Metadata is the per-book page-metadata document key.
func (l Layout) Metadata() string {
	return l.prefix() + "metadata.json"
}

// RawPage is the as-uploaded raw image key for a page.
func (l Layout) RawPage(pageNum int, ext string) string {
	return fmt.Sprintf("%sraw/%d.%s", l.prefix(), pageNum, ext)
}

// CanonicalImage is the canonical normalized image key for a page.
func (l Layout) CanonicalImage(pageNum int) string {
	return fmt.Sprintf("%spages/%03d.png", l.prefix(), pageNum)
}

// OCRText is the extracted-text key for a page.
func (l Layout) OCRText(pageNum int) string {
	return fmt.Sprintf("%spages/%03d.ocr.txt", l.prefix(), pageNum)
}

// PageGuideline is the per-page minisummary document key.
func (l Layout) PageGuideline(pageNum int) string {
	return fmt.Sprintf("%spages/%03d.page_guideline.json", l.prefix(), pageNum)
}

// Index is the guidelines index document key.
func (l Layout) Index() string {
	return l.prefix() + "guidelines/index.json"
}

// PageIndex is the page-to-subtopic map document key.
func (l Layout) PageIndex() string {
	return l.prefix() + "guidelines/page_index.json"
}

// Shard is a subtopic shard's canonical (latest) document key.
func (l Layout) Shard(topicKey, subtopicKey string) string {
	return fmt.Sprintf("%sguidelines/topics/%s/subtopics/%s.latest.json", l.prefix(), topicKey, subtopicKey)
}

// IndexSnapshot is a versioned, best-effort snapshot of the index.
func (l Layout) IndexSnapshot(version int) string {
	return fmt.Sprintf("%sguidelines/snapshots/index.v%d.json", l.prefix(), version)
}

// PageIndexSnapshot is a versioned, best-effort snapshot of the page index.
func (l Layout) PageIndexSnapshot(version int) string {
	return fmt.Sprintf("%sguidelines/snapshots/page_index.v%d.json", l.prefix(), version)
}

// marshalJSON and unmarshalJSON are shared helpers backends can use to
// implement the *JSON Store methods atop UploadBytes/DownloadBytes.
func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
