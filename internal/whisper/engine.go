// Package whisper drives a whisper.cpp binary to transcribe prepared
// 16 kHz mono WAV files.
package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/audioscribe/backend/internal/runner"
)

// Request is the input for one transcription run.
type Request struct {
	AudioPath  string  // 16 kHz mono WAV, already converted
	ModelPath  string  // ggml model file
	Language   string  // "auto", "en", "ko", ...
	Threads    int
	Processors int
	Duration   float64 // audio length in seconds, for timestamp progress
}

// Progress is a mid-run progress report. Percent stays below 100
// until the engine has actually finished.
type Progress struct {
	Percent float64
	Message string
}

// Result is the output of a transcription run.
type Result struct {
	Text     string
	Language string // detected language when the engine reports one
}

// Engine is the common interface for speech-to-text engines.
type Engine interface {
	Transcribe(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error)
}

// CLI runs the whisper.cpp command-line binary.
type CLI struct {
	run          runner.Runner
	bin          string
	readTimeout  time.Duration
	totalTimeout time.Duration
}

func NewCLI(run runner.Runner, bin string, readTimeout, totalTimeout time.Duration) *CLI {
	if bin == "" {
		bin = "whisper-cli"
	}
	return &CLI{run: run, bin: bin, readTimeout: readTimeout, totalTimeout: totalTimeout}
}

// Transcribe runs the engine over req.AudioPath and returns the
// cleaned transcript. The engine writes a .txt sidecar next to the
// WAV; it is read and removed before returning. An empty transcript
// is a valid result, not an error.
func (c *CLI) Transcribe(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	outBase := strings.TrimSuffix(req.AudioPath, filepath.Ext(req.AudioPath))

	stream, err := c.run.Run(ctx, runner.Spec{
		Program:      c.bin,
		Args:         buildArgs(req, outBase),
		Capture:      runner.CaptureBoth,
		ReadTimeout:  c.readTimeout,
		TotalTimeout: c.totalTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	last := 0.0
	language := ""
	for line := range stream.Lines() {
		if pct, ok := ParseProgressLine(line, req.Duration); ok && pct > last {
			last = pct
			if onProgress != nil {
				onProgress(Progress{Percent: pct})
			}
		}
		if lang, ok := parseDetectedLanguage(line); ok {
			language = lang
		}
	}
	if err := stream.Wait(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	txtPath := outBase + ".txt"
	data, err := os.ReadFile(txtPath)
	if err != nil {
		return nil, fmt.Errorf("whisper produced no transcript: %w", err)
	}
	os.Remove(txtPath)

	return &Result{Text: CleanTranscript(string(data)), Language: language}, nil
}

func buildArgs(req Request, outBase string) []string {
	threads := req.Threads
	if threads <= 0 {
		threads = 4
	}
	processors := req.Processors
	if processors <= 0 {
		processors = 1
	}
	language := req.Language
	if language == "" {
		language = "auto"
	}
	return []string{
		"--model", req.ModelPath,
		"--file", req.AudioPath,
		"--language", language,
		"--threads", strconv.Itoa(threads),
		"--processors", strconv.Itoa(processors),
		"--output-txt",
		"--output-file", outBase,
		"--print-progress",
	}
}
