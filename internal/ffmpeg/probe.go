package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/audioscribe/backend/internal/runner"
)

type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

type ProbeFormat struct {
	Filename string `json:"filename"`
	Duration string `json:"duration"`
	Size     string `json:"size"`
	BitRate  string `json:"bit_rate"`
}

type ProbeStream struct {
	Index         int               `json:"index"`
	CodecName     string            `json:"codec_name"`
	CodecType     string            `json:"codec_type"` // video, audio, subtitle
	Duration      string            `json:"duration,omitempty"`
	BitRate       string            `json:"bit_rate,omitempty"`
	SampleRate    string            `json:"sample_rate,omitempty"`
	Channels      int               `json:"channels,omitempty"`
	ChannelLayout string            `json:"channel_layout,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// AudioInfo is the distilled view of a probed file that the pipeline
// cares about.
type AudioInfo struct {
	Duration   float64 `json:"duration"` // seconds
	Codec      string  `json:"codec"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	BitRate    int64   `json:"bit_rate"`
}

// Prober inspects media files with ffprobe.
type Prober struct {
	run     runner.Runner
	bin     string
	timeout time.Duration
}

func NewProber(run runner.Runner, bin string, timeout time.Duration) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{run: run, bin: bin, timeout: timeout}
}

// Probe inspects the file and returns its audio characteristics. Files
// without a decodable audio stream or with an unknown/zero duration
// are rejected here, before any conversion work is attempted.
func (p *Prober) Probe(ctx context.Context, path string) (*AudioInfo, error) {
	out, err := runner.Collect(ctx, p.run, runner.Spec{
		Program:      p.bin,
		Args:         []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path},
		Capture:      runner.CaptureStdout,
		TotalTimeout: p.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return ParseProbe([]byte(out))
}

// ParseProbe converts raw ffprobe JSON into AudioInfo. Exported so the
// parsing rules are testable without the binary installed.
func ParseProbe(data []byte) (*AudioInfo, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &AudioInfo{}
	for _, s := range result.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.Codec = s.CodecName
		info.Channels = s.Channels
		if rate, err := strconv.Atoi(s.SampleRate); err == nil {
			info.SampleRate = rate
		}
		// Some containers only carry duration on the stream.
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > info.Duration {
			info.Duration = d
		}
		break
	}
	if info.Codec == "" {
		return nil, fmt.Errorf("no audio stream found")
	}

	if d, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil && d > info.Duration {
		info.Duration = d
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("audio duration is zero or unknown")
	}
	if br, err := strconv.ParseInt(result.Format.BitRate, 10, 64); err == nil {
		info.BitRate = br
	}

	return info, nil
}
