package artifactstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type page struct {
	Num  int    `json:"num"`
	Text string `json:"text"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"mem": NewMemStore(),
		"fs":  NewFSStore(filepath.Join(t.TempDir(), "data")),
	}
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("book-1")
	cases := map[string]string{
		"metadata":  l.Metadata(),
		"raw":       l.RawPage(3, "jpg"),
		"image":     l.CanonicalImage(3),
		"ocr":       l.OCRText(3),
		"guideline": l.PageGuideline(3),
		"index":     l.Index(),
		"pageidx":   l.PageIndex(),
		"shard":     l.Shard("algebra", "linear-equations"),
		"snap":      l.IndexSnapshot(2),
		"pagesnap":  l.PageIndexSnapshot(2),
	}
	want := map[string]string{
		"metadata":  "books/book-1/metadata.json",
		"raw":       "books/book-1/raw/3.jpg",
		"image":     "books/book-1/pages/003.png",
		"ocr":       "books/book-1/pages/003.ocr.txt",
		"guideline": "books/book-1/pages/003.page_guideline.json",
		"index":     "books/book-1/guidelines/index.json",
		"pageidx":   "books/book-1/guidelines/page_index.json",
		"shard":     "books/book-1/guidelines/topics/algebra/subtopics/linear-equations.latest.json",
		"snap":      "books/book-1/guidelines/snapshots/index.v2.json",
		"pagesnap":  "books/book-1/guidelines/snapshots/page_index.v2.json",
	}
	for name, got := range cases {
		if got != want[name] {
			t.Errorf("%s: got %q, want %q", name, got, want[name])
		}
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "books/b1/pages/001.ocr.txt"
			if err := store.UploadBytes(ctx, key, []byte("hello")); err != nil {
				t.Fatalf("UploadBytes: %v", err)
			}
			got, err := store.DownloadBytes(ctx, key)
			if err != nil {
				t.Fatalf("DownloadBytes: %v", err)
			}
			if string(got) != "hello" {
				t.Errorf("DownloadBytes = %q, want %q", got, "hello")
			}

			jkey := "books/b1/pages/001.page_guideline.json"
			want := page{Num: 1, Text: "minisummary"}
			if err := store.UploadJSON(ctx, jkey, want); err != nil {
				t.Fatalf("UploadJSON: %v", err)
			}
			var got2 page
			if err := store.DownloadJSON(ctx, jkey, &got2); err != nil {
				t.Fatalf("DownloadJSON: %v", err)
			}
			if got2 != want {
				t.Errorf("DownloadJSON = %+v, want %+v", got2, want)
			}

			url, err := store.GetPresignedURL(ctx, key)
			if err != nil {
				t.Fatalf("GetPresignedURL: %v", err)
			}
			if url == "" {
				t.Error("GetPresignedURL returned empty string")
			}

			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.DownloadBytes(ctx, key); !errors.Is(err, NotFound) {
				t.Errorf("DownloadBytes after delete: got %v, want NotFound", err)
			}
			if err := store.Delete(ctx, key); !errors.Is(err, NotFound) {
				t.Errorf("Delete of missing key: got %v, want NotFound", err)
			}
		})
	}
}

func TestStoreContract_DownloadMissingKey(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.DownloadBytes(ctx, "books/nope/metadata.json"); !errors.Is(err, NotFound) {
				t.Errorf("got %v, want NotFound", err)
			}
		})
	}
}

func TestStoreContract_UpdateMetadataJSON(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.UpdateMetadataJSON(ctx, "b1", page{Num: 1, Text: "v1"}); err != nil {
				t.Fatalf("UpdateMetadataJSON: %v", err)
			}
			var got page
			if err := store.DownloadJSON(ctx, NewLayout("b1").Metadata(), &got); err != nil {
				t.Fatalf("DownloadJSON: %v", err)
			}
			if got.Text != "v1" {
				t.Errorf("got %+v, want Text=v1", got)
			}
			if err := store.UpdateMetadataJSON(ctx, "b1", page{Num: 1, Text: "v2"}); err != nil {
				t.Fatalf("UpdateMetadataJSON overwrite: %v", err)
			}
			if err := store.DownloadJSON(ctx, NewLayout("b1").Metadata(), &got); err != nil {
				t.Fatalf("DownloadJSON after overwrite: %v", err)
			}
			if got.Text != "v2" {
				t.Errorf("got %+v, want Text=v2 after overwrite", got)
			}
		})
	}
}

func TestMemStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	injected := errors.New("simulated upload failure")
	m.UploadErr = injected
	if err := m.UploadBytes(ctx, "books/b1/raw/1.jpg", []byte("x")); !errors.Is(err, injected) {
		t.Errorf("got %v, want %v", err, injected)
	}
	m.UploadErr = nil

	if err := m.UploadBytes(ctx, "books/b1/pages/001.ocr.txt", []byte("ok")); err != nil {
		t.Fatalf("UploadBytes: %v", err)
	}
	keyErr := errors.New("simulated key-specific failure")
	m.SetErrorOnKey("books/b1/pages/001.ocr.txt", keyErr)
	if _, err := m.DownloadBytes(ctx, "books/b1/pages/001.ocr.txt"); !errors.Is(err, keyErr) {
		t.Errorf("got %v, want %v", err, keyErr)
	}
}

func TestMemStore_Keys(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	_ = m.UploadBytes(ctx, "books/b1/pages/001.ocr.txt", []byte("a"))
	_ = m.UploadBytes(ctx, "books/b1/pages/002.ocr.txt", []byte("b"))
	_ = m.UploadBytes(ctx, "books/b2/pages/001.ocr.txt", []byte("c"))

	got := m.Keys("books/b1/")
	if len(got) != 2 {
		t.Errorf("Keys(books/b1/) = %v, want 2 entries", got)
	}
	if !m.Has("books/b1/pages/001.ocr.txt") {
		t.Error("Has() = false, want true")
	}
}
