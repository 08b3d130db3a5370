package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/db"
	"github.com/audioscribe/backend/internal/storage"
)

// newIntakeHandler builds a handler over a real store and a queue whose
// worker is never started, so enqueued batches just sit in SQLite.
func newIntakeHandler(t *testing.T, maxUploadBytes int64, maxBatchFiles int) (*TranscribeHandler, *storage.Store, *batch.Orchestrator) {
	t.Helper()
	database, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := storage.New(t.TempDir(), maxUploadBytes)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	queue := batch.New(database.DB(), nil, noEmitter{}, batch.Options{})
	return NewTranscribeHandler(store, queue, maxBatchFiles), store, queue
}

type noEmitter struct{}

func (noEmitter) PublishJSON(topic string, v any)              {}
func (noEmitter) SetSnapshot(topic string, fn func() [][]byte) {}

type filePart struct {
	field, name string
	size        int
}

func multipartBody(t *testing.T, language string, parts []filePart) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			t.Fatalf("write language field: %v", err)
		}
	}
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(bytes.Repeat([]byte("a"), p.size)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	mw.Close()
	return body, mw.FormDataContentType()
}

func postUpload(t *testing.T, handler http.HandlerFunc, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestSingleUploadAccepted(t *testing.T) {
	h, _, queue := newIntakeHandler(t, 1<<20, 10)

	body, ct := multipartBody(t, "en", []filePart{{"file", "talk.mp3", 2048}})
	w := postUpload(t, h.Single, "/api/transcribe", body, ct)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		BatchID  string `json:"batch_id"`
		FileID   string `json:"file_id"`
		FileName string `json:"file_name"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.BatchID == "" || resp.FileID == "" || resp.FileName != "talk.mp3" {
		t.Errorf("response = %+v", resp)
	}

	b, err := queue.Get(resp.BatchID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	f := b.Files[0]
	if f.Language != "en" || f.Size != 2048 || f.Status != "pending" {
		t.Errorf("file row = %+v", f)
	}
	if _, err := os.Stat(f.Path); err != nil {
		t.Errorf("stored upload missing: %v", err)
	}
}

func TestSingleUploadRejectsUnknownExtension(t *testing.T) {
	h, store, _ := newIntakeHandler(t, 1<<20, 10)

	body, ct := multipartBody(t, "", []filePart{{"file", "notes.txt", 128}})
	w := postUpload(t, h.Single, "/api/transcribe", body, ct)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), ".mp3") {
		t.Errorf("error should list allowed extensions, got %s", w.Body.String())
	}
	assertUploadsEmpty(t, store)
}

func TestSingleUploadRejectsOversizeNamingLimit(t *testing.T) {
	h, store, _ := newIntakeHandler(t, 1<<20, 10) // 1 MB cap

	body, ct := multipartBody(t, "", []filePart{{"file", "big.mp3", 1<<20 + 1}})
	w := postUpload(t, h.Single, "/api/transcribe", body, ct)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if !strings.Contains(w.Body.String(), "1 MB") {
		t.Errorf("error should name the limit, got %s", w.Body.String())
	}
	assertUploadsEmpty(t, store)
}

func TestSingleUploadAtLimitAccepted(t *testing.T) {
	h, _, _ := newIntakeHandler(t, 1<<20, 10)

	body, ct := multipartBody(t, "", []filePart{{"file", "exact.mp3", 1 << 20}})
	w := postUpload(t, h.Single, "/api/transcribe", body, ct)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestSingleUploadWithNoFiles(t *testing.T) {
	h, _, _ := newIntakeHandler(t, 1<<20, 10)

	body, ct := multipartBody(t, "en", nil)
	w := postUpload(t, h.Single, "/api/transcribe", body, ct)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestBatchUploadKeepsOrder(t *testing.T) {
	h, _, queue := newIntakeHandler(t, 1<<20, 10)

	body, ct := multipartBody(t, "de", []filePart{
		{"files", "one.mp3", 100},
		{"files", "two.wav", 200},
		{"files", "three.flac", 300},
	})
	w := postUpload(t, h.Batch, "/api/transcribe/batch", body, ct)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		BatchID    string `json:"batch_id"`
		TotalFiles int    `json:"total_files"`
		Files      []struct {
			FileID    string `json:"file_id"`
			FileName  string `json:"file_name"`
			FileIndex int    `json:"file_index"`
		} `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.TotalFiles != 3 || len(resp.Files) != 3 {
		t.Fatalf("response = %+v", resp)
	}
	for i, want := range []string{"one.mp3", "two.wav", "three.flac"} {
		if resp.Files[i].FileName != want || resp.Files[i].FileIndex != i {
			t.Errorf("files[%d] = %+v, want %s at index %d", i, resp.Files[i], want, i)
		}
	}

	b, err := queue.Get(resp.BatchID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, f := range b.Files {
		if f.Language != "de" {
			t.Errorf("file %s language = %q, want de", f.Name, f.Language)
		}
	}
}

func TestBatchUploadAllOrNothing(t *testing.T) {
	h, store, queue := newIntakeHandler(t, 1<<20, 10)

	body, ct := multipartBody(t, "", []filePart{
		{"files", "good.mp3", 100},
		{"files", "bad.txt", 100},
	})
	w := postUpload(t, h.Batch, "/api/transcribe/batch", body, ct)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	assertUploadsEmpty(t, store)

	batches, err := queue.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("len(batches) = %d, want 0", len(batches))
	}
}

func TestBatchUploadTooManyFiles(t *testing.T) {
	h, _, _ := newIntakeHandler(t, 1<<20, 2)

	body, ct := multipartBody(t, "", []filePart{
		{"files", "a.mp3", 10},
		{"files", "b.mp3", 10},
		{"files", "c.mp3", 10},
	})
	w := postUpload(t, h.Batch, "/api/transcribe/batch", body, ct)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "maximum 2") {
		t.Errorf("error should name the cap, got %s", w.Body.String())
	}
}

func assertUploadsEmpty(t *testing.T, store *storage.Store) {
	t.Helper()
	entries, err := os.ReadDir(store.UploadsDir())
	if err != nil {
		t.Fatalf("read uploads dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("uploads dir has %d leftover file(s)", len(entries))
	}
}
