// Package pipeline runs a single audio file through validation,
// conversion, and transcription, reporting progress as an ordered
// event stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/audioscribe/backend/internal/ffmpeg"
	"github.com/audioscribe/backend/internal/runner"
	"github.com/audioscribe/backend/internal/whisper"
)

// Progress layout on the wire: conversion occupies the first tenth,
// transcription the rest, 100 is reserved for completion.
const (
	convertCeiling   = 9
	transcribeFloor  = 10
	transcribeSpan   = 89 // transcribeFloor..99
	heartbeatCeiling = 95
)

// Prober inspects a media file. Satisfied by *ffmpeg.Prober.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.AudioInfo, error)
}

// Converter normalizes audio for the engine. Satisfied by
// *ffmpeg.Converter.
type Converter interface {
	Convert(ctx context.Context, src, dst string, duration float64, onProgress func(float64)) error
}

// Options tune a Pipeline. Zero values get sensible defaults.
type Options struct {
	WorkDir      string        // where temp WAVs are written
	MinFileBytes int64         // size floor; smaller uploads fail validation
	ModelPath    string        // whisper model
	Language     string        // default language, job may override
	Threads      int
	Processors   int
	Heartbeat    time.Duration // synthetic progress cadence while the engine is quiet
}

// Job is one file to process.
type Job struct {
	ID         string // stable id used for workspace naming
	SourcePath string
	Name       string // display name, usually the original filename
	Language   string // optional override of Options.Language
}

// Pipeline drives one file at a time. It never mutates source files;
// all intermediate output lands in WorkDir and is removed afterwards.
type Pipeline struct {
	prober    Prober
	converter Converter
	engine    whisper.Engine
	opts      Options
}

func New(prober Prober, converter Converter, engine whisper.Engine, opts Options) *Pipeline {
	if opts.MinFileBytes <= 0 {
		opts.MinFileBytes = 1024
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Pipeline{prober: prober, converter: converter, engine: engine, opts: opts}
}

// Run processes the job lazily: stages advance as the caller drains
// the returned channel. The channel carries ordered events, ends with
// exactly one terminal event, and is closed afterwards. Each call
// returns a fresh, single-use stream.
func (p *Pipeline) Run(ctx context.Context, job Job) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		p.run(ctx, job, events)
	}()
	return events
}

func (p *Pipeline) run(ctx context.Context, job Job, events chan<- Event) {
	// emit reports false once the context is gone, which is the only
	// case where a run may end without a terminal event.
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(progress int, err error) {
		emit(Event{Status: StatusError, Progress: progress, Message: err.Error(), Err: err})
	}

	if !emit(Event{Status: StatusValidating, Progress: 0, Message: "validating " + job.Name}) {
		return
	}

	// VALIDATING: cheap checks first, then the probe.
	fi, err := os.Stat(job.SourcePath)
	if err != nil {
		fail(0, &ValidationError{Reason: "file not readable: " + err.Error()})
		return
	}
	if fi.Size() < p.opts.MinFileBytes {
		fail(0, &ValidationError{Reason: fmt.Sprintf("file too small: %d bytes (minimum %d)", fi.Size(), p.opts.MinFileBytes)})
		return
	}
	info, err := p.prober.Probe(ctx, job.SourcePath)
	if err != nil {
		fail(0, stageError(StatusValidating, err))
		return
	}
	if err := ctx.Err(); err != nil {
		fail(0, &CancellationError{})
		return
	}

	// CONVERTING: a fresh WAV in the workspace; the source is never
	// touched.
	id := job.ID
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	wavPath := filepath.Join(p.opts.WorkDir, id+".wav")
	defer os.Remove(wavPath)

	if !emit(Event{Status: StatusConverting, Progress: 0, Message: "converting to 16 kHz mono WAV"}) {
		return
	}
	convProgress := 0
	err = p.converter.Convert(ctx, job.SourcePath, wavPath, info.Duration, func(frac float64) {
		pct := int(frac * 10)
		if pct > convertCeiling {
			pct = convertCeiling
		}
		if pct > convProgress {
			convProgress = pct
			emit(Event{Status: StatusConverting, Progress: pct, Message: "converting to 16 kHz mono WAV"})
		}
	})
	if err != nil {
		fail(convProgress, stageError(StatusConverting, err))
		return
	}
	if err := ctx.Err(); err != nil {
		fail(convProgress, &CancellationError{})
		return
	}

	// TRANSCRIBING: engine progress when it talks, heartbeat when it
	// does not. Both stay below 100 until the result is in hand.
	if !emit(Event{Status: StatusTranscribing, Progress: transcribeFloor, Message: "transcribing"}) {
		return
	}

	var mu sync.Mutex
	current := transcribeFloor
	report := func(pct int) {
		mu.Lock()
		defer mu.Unlock()
		if pct <= current {
			return
		}
		current = pct
		emit(Event{Status: StatusTranscribing, Progress: pct, Message: "transcribing"})
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	if p.opts.Heartbeat > 0 {
		hbWG.Add(1)
		go func() {
			defer hbWG.Done()
			ticker := time.NewTicker(p.opts.Heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-hbCtx.Done():
					return
				case <-ticker.C:
					mu.Lock()
					if current >= heartbeatCeiling {
						mu.Unlock()
						return
					}
					current++
					emit(Event{Status: StatusTranscribing, Progress: current, Message: "transcribing"})
					mu.Unlock()
				}
			}
		}()
	}

	language := job.Language
	if language == "" {
		language = p.opts.Language
	}
	result, err := p.engine.Transcribe(ctx, whisper.Request{
		AudioPath:  wavPath,
		ModelPath:  p.opts.ModelPath,
		Language:   language,
		Threads:    p.opts.Threads,
		Processors: p.opts.Processors,
		Duration:   info.Duration,
	}, func(pr whisper.Progress) {
		report(transcribeFloor + int(pr.Percent*transcribeSpan/100))
	})
	hbCancel()
	hbWG.Wait()
	if err != nil {
		mu.Lock()
		progress := current
		mu.Unlock()
		fail(progress, stageError(StatusTranscribing, err))
		return
	}

	emit(Event{Status: StatusCompleted, Progress: 100, Message: "transcription complete", Transcript: result.Text})
}

// stageError wraps a raw failure in the taxonomy type for the stage
// it happened in. Kills caused by context cancellation surface as
// cancellations no matter which stage they interrupted.
func stageError(stage Status, err error) error {
	var rerr *runner.Error
	if errors.As(err, &rerr) && rerr.Kind == runner.KindCanceled {
		return &CancellationError{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancellationError{}
	}
	switch stage {
	case StatusValidating:
		return &ValidationError{Reason: err.Error()}
	case StatusConverting:
		return &ConversionError{Err: err}
	default:
		return &TranscriptionError{Err: err}
	}
}
