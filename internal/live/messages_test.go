package live

import (
	"encoding/json"
	"strings"
	"testing"
)

func roundTrip(t *testing.T, v any) map[string]any {
	t.Helper()
	data := Encode(v)
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame %s does not round-trip: %v", data, err)
	}
	return m
}

func TestBatchStatusWire(t *testing.T) {
	m := roundTrip(t, NewBatchStatus(3, 1, 1))
	if m["type"] != "batch_status" {
		t.Errorf("type = %v", m["type"])
	}
	if m["total_files"] != 3.0 || m["completed_files"] != 1.0 || m["failed_files"] != 1.0 {
		t.Errorf("counters wrong: %v", m)
	}
	if _, ok := m["files"]; ok {
		t.Error("files key present without a snapshot")
	}
}

func TestBatchStatusSnapshotCarriesFiles(t *testing.T) {
	msg := NewBatchStatus(1, 0, 0)
	msg.Files = []FileSnapshot{{FileID: "f1", FileName: "a.mp3", Status: "converting", Progress: 4}}
	m := roundTrip(t, msg)
	files, ok := m["files"].([]any)
	if !ok || len(files) != 1 {
		t.Fatalf("files = %v", m["files"])
	}
	entry := files[0].(map[string]any)
	if entry["file_id"] != "f1" || entry["status"] != "converting" {
		t.Errorf("snapshot entry wrong: %v", entry)
	}
}

func TestFileStartWire(t *testing.T) {
	m := roundTrip(t, NewFileStart("f2", "talk.wav", 1))
	if m["type"] != "file_start" || m["file_id"] != "f2" || m["file_name"] != "talk.wav" || m["file_index"] != 1.0 {
		t.Errorf("frame wrong: %v", m)
	}
}

func TestFileProgressWire(t *testing.T) {
	m := roundTrip(t, NewFileProgress("f2", "transcribing", 42, "transcribing"))
	if m["type"] != "file_progress" || m["status"] != "transcribing" || m["progress"] != 42.0 {
		t.Errorf("frame wrong: %v", m)
	}
}

func TestFileCompleteKeepsEmptyTranscript(t *testing.T) {
	empty := ""
	data := Encode(NewFileComplete("f3", "completed", &empty, ""))
	if !strings.Contains(string(data), `"transcript":""`) {
		t.Errorf("empty transcript key must survive serialization: %s", data)
	}

	// An error completion carries no transcript key at all.
	data = Encode(NewFileComplete("f3", "error", nil, "validation failed: too small"))
	if strings.Contains(string(data), "transcript") {
		t.Errorf("error completion must not carry a transcript key: %s", data)
	}
	if !strings.Contains(string(data), `"error_message":"validation failed: too small"`) {
		t.Errorf("error message missing: %s", data)
	}
}

func TestBatchCompleteWire(t *testing.T) {
	m := roundTrip(t, NewBatchComplete(3, 2, 1))
	if m["type"] != "batch_complete" || m["total_files"] != 3.0 || m["completed_files"] != 2.0 || m["failed_files"] != 1.0 {
		t.Errorf("frame wrong: %v", m)
	}
}

func TestFileStatusWire(t *testing.T) {
	text := "hello"
	m := roundTrip(t, FileStatus{Status: "completed", Progress: 100, Transcript: &text})
	if m["status"] != "completed" || m["progress"] != 100.0 || m["transcript"] != "hello" {
		t.Errorf("frame wrong: %v", m)
	}

	m = roundTrip(t, FileStatus{Status: "converting", Progress: 3, Message: "converting"})
	if _, ok := m["transcript"]; ok {
		t.Error("progress frame must omit transcript")
	}
	if _, ok := m["error"]; ok {
		t.Error("progress frame must omit error")
	}
}

func TestEncodeDegradesToProtocolError(t *testing.T) {
	// Channels cannot be marshaled; the frame must still be valid
	// JSON describing the failure.
	data := Encode(map[string]any{"bad": make(chan int)})
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("fallback frame is not JSON: %v", err)
	}
	if m["status"] != "error" {
		t.Errorf("fallback status = %v, want error", m["status"])
	}
	if !strings.Contains(m["error"].(string), "protocol error") {
		t.Errorf("fallback error = %v", m["error"])
	}
}

func TestTopicNames(t *testing.T) {
	if FileTopic("abc") != "file:abc" {
		t.Errorf("FileTopic = %q", FileTopic("abc"))
	}
	if BatchTopic("xyz") != "batch:xyz" {
		t.Errorf("BatchTopic = %q", BatchTopic("xyz"))
	}
}
