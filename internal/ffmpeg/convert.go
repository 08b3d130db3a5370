package ffmpeg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/audioscribe/backend/internal/runner"
)

// Converter normalizes audio to the 16 kHz mono PCM WAV the speech
// engine requires.
type Converter struct {
	run          runner.Runner
	bin          string
	readTimeout  time.Duration
	totalTimeout time.Duration
}

func NewConverter(run runner.Runner, bin string, readTimeout, totalTimeout time.Duration) *Converter {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Converter{run: run, bin: bin, readTimeout: readTimeout, totalTimeout: totalTimeout}
}

// Convert transcodes src into a 16 kHz mono s16le WAV at dst. The
// source is only ever read. Progress is reported as a fraction of the
// known duration via onProgress, monotonic and capped at 1.
func (c *Converter) Convert(ctx context.Context, src, dst string, duration float64, onProgress func(float64)) error {
	stream, err := c.run.Run(ctx, runner.Spec{
		Program:      c.bin,
		Args:         buildConvertArgs(src, dst),
		Capture:      runner.CaptureBoth,
		ReadTimeout:  c.readTimeout,
		TotalTimeout: c.totalTimeout,
	})
	if err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}

	last := 0.0
	for line := range stream.Lines() {
		sec, ok := ParseProgressLine(line)
		if !ok || duration <= 0 {
			continue
		}
		frac := sec / duration
		if frac > 1 {
			frac = 1
		}
		if frac > last {
			last = frac
			if onProgress != nil {
				onProgress(frac)
			}
		}
	}
	if err := stream.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	if onProgress != nil && last < 1 {
		onProgress(1)
	}
	return nil
}

// buildConvertArgs produces the ffmpeg command line. -progress pipe:1
// turns stdout into a machine-readable key=value stream while real
// errors still arrive on stderr.
func buildConvertArgs(src, dst string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-v", "error",
		"-progress", "pipe:1",
		"-i", src,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dst,
	}
}

// ParseProgressLine extracts elapsed output time in seconds from one
// line of ffmpeg's -progress stream. Despite the name, out_time_ms is
// in microseconds; it has matched out_time_us since the key was added.
func ParseProgressLine(line string) (float64, bool) {
	if v, ok := strings.CutPrefix(line, "out_time_ms="); ok {
		return parseMicros(v)
	}
	if v, ok := strings.CutPrefix(line, "out_time_us="); ok {
		return parseMicros(v)
	}
	if v, ok := strings.CutPrefix(line, "out_time="); ok {
		return parseClock(v)
	}
	return 0, false
}

func parseMicros(v string) (float64, bool) {
	us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return float64(us) / 1e6, true
}

// parseClock parses HH:MM:SS.micro timestamps.
func parseClock(v string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	sec := float64(h)*3600 + float64(m)*60 + s
	if sec < 0 {
		return 0, false
	}
	return sec, true
}
