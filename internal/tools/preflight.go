// Package tools verifies the external binaries at startup. A missing
// tool aborts boot rather than failing on the first upload.
package tools

import (
	"context"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/audioscribe/backend/internal/runner"
)

// Tool describes one resolved external binary.
type Tool struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// Report lists the binaries the service depends on.
type Report struct {
	FFmpeg  Tool `json:"ffmpeg"`
	FFprobe Tool `json:"ffprobe"`
	Whisper Tool `json:"whisper"`
}

var (
	cached     *Report
	cachedErr  error
	detectOnce sync.Once
)

// Detect resolves the configured binaries and captures their version
// banners. Detection runs once; the first caller's paths win.
func Detect(ffmpegBin, ffprobeBin, whisperBin string) (*Report, error) {
	detectOnce.Do(func() {
		cached, cachedErr = detect(&runner.ExecRunner{}, ffmpegBin, ffprobeBin, whisperBin)
		if cachedErr == nil {
			log.Printf("[tools] detected: ffmpeg=%q ffprobe=%q whisper=%q",
				cached.FFmpeg.Path, cached.FFprobe.Path, cached.Whisper.Path)
		}
	})
	return cached, cachedErr
}

func detect(run runner.Runner, ffmpegBin, ffprobeBin, whisperBin string) (*Report, error) {
	if err := runner.LookPaths(ffmpegBin, ffprobeBin, whisperBin); err != nil {
		return nil, err
	}
	r := &Report{
		FFmpeg:  Tool{Name: ffmpegBin},
		FFprobe: Tool{Name: ffprobeBin},
		Whisper: Tool{Name: whisperBin},
	}
	r.FFmpeg.Path, _ = exec.LookPath(ffmpegBin)
	r.FFprobe.Path, _ = exec.LookPath(ffprobeBin)
	r.Whisper.Path, _ = exec.LookPath(whisperBin)

	// Version banners are best-effort; whisper.cpp builds have no
	// stable version flag.
	r.FFmpeg.Version = banner(run, ffmpegBin)
	r.FFprobe.Version = banner(run, ffprobeBin)
	return r, nil
}

// banner returns the first line of `<bin> -version`, or "" if the tool
// will not say.
func banner(run runner.Runner, bin string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := runner.Collect(ctx, run, runner.Spec{
		Program:      bin,
		Args:         []string{"-version"},
		Capture:      runner.CaptureBoth,
		TotalTimeout: 5 * time.Second,
	})
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(out, "\n")
	return strings.TrimSpace(line)
}
