package batch

import (
	"time"
)

// State is the lifecycle of a whole batch.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateCanceled   State = "canceled"
	StateFailed     State = "failed"
)

// File statuses persist the wire vocabulary: "pending" before the
// orchestrator reaches the file, then the pipeline stages, ending in
// "completed" or "error". Canceled files end as "error" with a
// cancellation message.
const FileStatusPending = "pending"

// Batch is a group of files processed strictly in upload order.
type Batch struct {
	ID             string     `json:"id"`
	State          State      `json:"state"`
	TotalFiles     int        `json:"total_files"`
	CompletedFiles int        `json:"completed_files"`
	FailedFiles    int        `json:"failed_files"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Files          []*File    `json:"files,omitempty"`
}

// File is one batch member.
type File struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	Path         string     `json:"-"` // server-side location, never exposed
	Size         int64      `json:"size"`
	Language     string     `json:"language,omitempty"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Transcript   string     `json:"transcript,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether the file reached a terminal status.
func (f *File) Done() bool {
	return f.Status == "completed" || f.Status == "error"
}

// FileSpec describes one file to enqueue.
type FileSpec struct {
	Path     string
	Name     string
	Size     int64
	Language string
}
