package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/storage"
)

var (
	errNoFiles      = errors.New("no files uploaded")
	errTooManyFiles = errors.New("too many files")
)

type TranscribeHandler struct {
	store         *storage.Store
	queue         *batch.Orchestrator
	maxBatchFiles int
}

func NewTranscribeHandler(store *storage.Store, queue *batch.Orchestrator, maxBatchFiles int) *TranscribeHandler {
	return &TranscribeHandler{store: store, queue: queue, maxBatchFiles: maxBatchFiles}
}

// Single accepts one multipart upload and queues it as a one-file
// batch. Processing starts as soon as the worker is free.
func (h *TranscribeHandler) Single(w http.ResponseWriter, r *http.Request) {
	specs, err := h.readUploads(r, 1)
	if err != nil {
		h.rejectUpload(w, err)
		return
	}

	b, err := h.queue.Enqueue(specs)
	if err != nil {
		h.removeAll(specs)
		if errors.Is(err, batch.ErrQueueFull) {
			jsonError(w, "server is busy, try again later", http.StatusServiceUnavailable)
			return
		}
		jsonError(w, "failed to queue file: "+err.Error(), http.StatusInternalServerError)
		return
	}

	f := b.Files[0]
	jsonResponse(w, map[string]interface{}{
		"batch_id":  b.ID,
		"file_id":   f.ID,
		"file_name": f.Name,
	}, http.StatusAccepted)
}

// Batch accepts a multipart upload with multiple files and queues them
// as one batch, processed strictly in upload order.
func (h *TranscribeHandler) Batch(w http.ResponseWriter, r *http.Request) {
	specs, err := h.readUploads(r, h.maxBatchFiles)
	if err != nil {
		h.rejectUpload(w, err)
		return
	}

	b, err := h.queue.Enqueue(specs)
	if err != nil {
		h.removeAll(specs)
		if errors.Is(err, batch.ErrQueueFull) {
			jsonError(w, "server is busy, try again later", http.StatusServiceUnavailable)
			return
		}
		jsonError(w, "failed to queue batch: "+err.Error(), http.StatusInternalServerError)
		return
	}

	files := make([]map[string]interface{}, 0, len(b.Files))
	for _, f := range b.Files {
		files = append(files, map[string]interface{}{
			"file_id":    f.ID,
			"file_name":  f.Name,
			"file_index": f.Index,
		})
	}
	jsonResponse(w, map[string]interface{}{
		"batch_id":    b.ID,
		"total_files": b.TotalFiles,
		"files":       files,
	}, http.StatusAccepted)
}

// readUploads streams multipart parts to the store. Uploads are
// all-or-nothing: the first bad file aborts the request and removes
// everything already saved.
func (h *TranscribeHandler) readUploads(r *http.Request, maxFiles int) ([]batch.FileSpec, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoFiles, err)
	}

	var specs []batch.FileSpec
	language := ""
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.removeAll(specs)
			return nil, fmt.Errorf("read multipart: %w", err)
		}

		switch part.FormName() {
		case "language":
			value, err := io.ReadAll(io.LimitReader(part, 64))
			if err == nil {
				language = strings.TrimSpace(string(value))
			}
		case "file", "files":
			name := part.FileName()
			if name == "" {
				continue
			}
			if len(specs) >= maxFiles {
				h.removeAll(specs)
				return nil, fmt.Errorf("%w: maximum %d per request", errTooManyFiles, maxFiles)
			}
			path, size, err := h.store.SaveUpload(name, part)
			if err != nil {
				h.removeAll(specs)
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			specs = append(specs, batch.FileSpec{Path: path, Name: name, Size: size})
		}
		part.Close()
	}

	if len(specs) == 0 {
		return nil, errNoFiles
	}
	for i := range specs {
		specs[i].Language = language
	}
	return specs, nil
}

func (h *TranscribeHandler) removeAll(specs []batch.FileSpec) {
	for _, spec := range specs {
		h.store.Remove(spec.Path)
	}
}

func (h *TranscribeHandler) rejectUpload(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrFileTooLarge):
		jsonError(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, errNoFiles),
		errors.Is(err, errTooManyFiles):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, "upload failed: "+err.Error(), http.StatusInternalServerError)
	}
}
