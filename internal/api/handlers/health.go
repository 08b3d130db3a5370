package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/tools"
)

var startTime = time.Now()

type HealthHandler struct {
	queue  *batch.Orchestrator
	report *tools.Report
}

func NewHealthHandler(queue *batch.Orchestrator, report *tools.Report) *HealthHandler {
	return &HealthHandler{queue: queue, report: report}
}

// Health reports service liveness, queue depth, and the external tools
// resolved at startup.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{
		"status": "ok",
		"tools":  h.report,
		"queue": map[string]int{
			"pending_batches": h.queue.QueueDepth(),
		},
		"system": map[string]interface{}{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(startTime).Seconds()),
		},
	}, http.StatusOK)
}
