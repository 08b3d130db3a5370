package pipeline

// Status is a file's position in the processing ladder. The string
// values are part of the wire protocol.
type Status string

const (
	StatusValidating   Status = "validating"
	StatusConverting   Status = "converting"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further events can follow this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Event is one progress update from a running pipeline. Each run
// emits ordered events ending with exactly one terminal event.
type Event struct {
	Status     Status
	Progress   int // 0-100
	Message    string
	Transcript string // set on the completed event; may be empty
	Err        error  // set on the error event, one of the typed failures
}
