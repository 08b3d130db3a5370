package pipeline

// The pipeline maps every failure to one of these types so the wire
// layer can always show a stable, human-readable reason. All of them
// are matchable with errors.As.

// ValidationError rejects a file before any conversion work starts:
// unreadable, too small, no audio stream, unknown duration.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// ConversionError reports an ffmpeg normalization failure.
type ConversionError struct {
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Reason != "" {
		return "audio conversion failed: " + e.Reason
	}
	if e.Err != nil {
		return "audio conversion failed: " + e.Err.Error()
	}
	return "audio conversion failed"
}

func (e *ConversionError) Unwrap() error { return e.Err }

// TranscriptionError reports a speech-engine failure, including
// stalled or timed-out engine runs.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Reason != "" {
		return "transcription failed: " + e.Reason
	}
	if e.Err != nil {
		return "transcription failed: " + e.Err.Error()
	}
	return "transcription failed"
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// CancellationError marks work that was stopped deliberately rather
// than by a fault.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "processing canceled"
	}
	return "processing canceled: " + e.Reason
}

// ProtocolError reports a wire-contract violation, such as a progress
// payload that cannot be marshaled for clients.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }
