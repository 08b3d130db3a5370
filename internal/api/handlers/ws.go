package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/live"
)

type WSHandler struct {
	hub      *live.Hub
	queue    *batch.Orchestrator
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *live.Hub, queue *batch.Orchestrator, allowedOrigins []string) *WSHandler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &WSHandler{
		hub:   hub,
		queue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// FileSocket streams one file's progress. A client connecting mid-run
// receives the current state first, then live updates.
func (h *WSHandler) FileSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.queue.GetFile(id); err != nil {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed for file %s: %v", id, err)
		return
	}
	h.hub.Attach(live.FileTopic(id), conn)
}

// BatchSocket streams a batch's progress with per-file detail.
func (h *WSHandler) BatchSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.queue.Get(id); err != nil {
		jsonError(w, "batch not found", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed for batch %s: %v", id, err)
		return
	}
	h.hub.Attach(live.BatchTopic(id), conn)
}
