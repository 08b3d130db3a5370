package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/audioscribe/backend/internal/batch"
)

type BatchHandler struct {
	queue *batch.Orchestrator
}

func NewBatchHandler(queue *batch.Orchestrator) *BatchHandler {
	return &BatchHandler{queue: queue}
}

// List returns all batches, newest first
func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	batches, err := h.queue.List()
	if err != nil {
		jsonError(w, "failed to list batches: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []*batch.Batch{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batches)
}

// Get returns a single batch with its files in order
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, "missing batch ID", http.StatusBadRequest)
		return
	}

	b, err := h.queue.Get(id)
	if err == batch.ErrNotFound {
		jsonError(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to load batch: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// Cancel requests that a batch stop after the file currently being
// processed
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, "missing batch ID", http.StatusBadRequest)
		return
	}

	switch err := h.queue.Cancel(id); err {
	case nil:
		jsonResponse(w, map[string]string{"status": "canceling"}, http.StatusAccepted)
	case batch.ErrNotFound:
		jsonError(w, "batch not found", http.StatusNotFound)
	case batch.ErrFinished:
		jsonError(w, "batch already finished", http.StatusConflict)
	default:
		jsonError(w, "failed to cancel batch: "+err.Error(), http.StatusInternalServerError)
	}
}

// DownloadTranscript serves a completed file's transcript as plain text
func (h *BatchHandler) DownloadTranscript(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	fileID := chi.URLParam(r, "fileID")
	if batchID == "" || fileID == "" {
		jsonError(w, "missing batch or file ID", http.StatusBadRequest)
		return
	}

	f, err := h.queue.GetFile(fileID)
	if err == batch.ErrNotFound || (err == nil && f.BatchID != batchID) {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to load file: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if f.Status != "completed" {
		jsonError(w, "transcript not ready", http.StatusConflict)
		return
	}

	base := strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+".txt"))
	w.Write([]byte(f.Transcript))
}
