// Package live relays processing events to WebSocket observers.
// Publishing is fire-and-forget: a topic with no clients discards
// frames, and a client that cannot keep up is dropped rather than
// ever stalling the producer.
package live

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/audioscribe/backend/internal/pipeline"
)

// Batch channel message discriminators.
const (
	TypeBatchStatus   = "batch_status"
	TypeFileStart     = "file_start"
	TypeFileProgress  = "file_progress"
	TypeFileComplete  = "file_complete"
	TypeBatchComplete = "batch_complete"
)

// FileStatus is the single-file channel payload. Transcript is a
// pointer so a completed-but-silent file still serializes the key
// with an empty string, while progress updates omit it entirely.
type FileStatus struct {
	Status     string  `json:"status"`
	Progress   int     `json:"progress"`
	Message    string  `json:"message,omitempty"`
	Transcript *string `json:"transcript,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// BatchStatus announces batch counters. With Files set it doubles as
// the late-join snapshot.
type BatchStatus struct {
	Type           string         `json:"type"`
	TotalFiles     int            `json:"total_files"`
	CompletedFiles int            `json:"completed_files"`
	FailedFiles    int            `json:"failed_files"`
	Files          []FileSnapshot `json:"files,omitempty"`
}

// FileStart marks the orchestrator picking up the next file.
type FileStart struct {
	Type      string `json:"type"`
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	FileIndex int    `json:"file_index"`
}

// FileProgress relays one pipeline event for a file in a batch.
type FileProgress struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// FileComplete is the per-file terminal message.
type FileComplete struct {
	Type         string  `json:"type"`
	FileID       string  `json:"file_id"`
	Status       string  `json:"status"` // completed or error
	Transcript   *string `json:"transcript,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// BatchComplete is the batch terminal message; completed+failed
// always equals total by the time it is sent.
type BatchComplete struct {
	Type           string `json:"type"`
	TotalFiles     int    `json:"total_files"`
	CompletedFiles int    `json:"completed_files"`
	FailedFiles    int    `json:"failed_files"`
}

// FileSnapshot is a file's current state inside a snapshot frame.
type FileSnapshot struct {
	FileID       string  `json:"file_id"`
	FileName     string  `json:"file_name"`
	FileIndex    int     `json:"file_index"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	Transcript   *string `json:"transcript,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

func NewBatchStatus(total, completed, failed int) BatchStatus {
	return BatchStatus{Type: TypeBatchStatus, TotalFiles: total, CompletedFiles: completed, FailedFiles: failed}
}

func NewFileStart(fileID, fileName string, fileIndex int) FileStart {
	return FileStart{Type: TypeFileStart, FileID: fileID, FileName: fileName, FileIndex: fileIndex}
}

func NewFileProgress(fileID, status string, progress int, message string) FileProgress {
	return FileProgress{Type: TypeFileProgress, FileID: fileID, Status: status, Progress: progress, Message: message}
}

func NewFileComplete(fileID, status string, transcript *string, errorMessage string) FileComplete {
	return FileComplete{Type: TypeFileComplete, FileID: fileID, Status: status, Transcript: transcript, ErrorMessage: errorMessage}
}

func NewBatchComplete(total, completed, failed int) BatchComplete {
	return BatchComplete{Type: TypeBatchComplete, TotalFiles: total, CompletedFiles: completed, FailedFiles: failed}
}

// Encode is the single marshal chokepoint for outbound frames. These
// flat structs cannot ordinarily fail to marshal; if one somehow
// does, the frame degrades to a protocol-error status so observers
// see the failure instead of silence.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		perr := &pipeline.ProtocolError{Reason: fmt.Sprintf("encode %T", v), Err: err}
		log.Printf("[live] %v", perr)
		fallback, _ := json.Marshal(FileStatus{Status: string(pipeline.StatusError), Error: perr.Error()})
		return fallback
	}
	return data
}

// FileTopic names the single-file progress channel.
func FileTopic(fileID string) string { return "file:" + fileID }

// BatchTopic names the batch progress channel.
func BatchTopic(batchID string) string { return "batch:" + batchID }
