package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audioscribe/backend/internal/ffmpeg"
	"github.com/audioscribe/backend/internal/whisper"
)

type fakeProber struct {
	info  *ffmpeg.AudioInfo
	err   error
	calls int
}

func (f *fakeProber) Probe(ctx context.Context, path string) (*ffmpeg.AudioInfo, error) {
	f.calls++
	return f.info, f.err
}

type fakeConverter struct {
	fracs    []float64
	err      error
	calls    int
	writeDst bool
}

func (f *fakeConverter) Convert(ctx context.Context, src, dst string, duration float64, onProgress func(float64)) error {
	f.calls++
	if f.writeDst {
		if err := os.WriteFile(dst, []byte("RIFF"), 0644); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	for _, frac := range f.fracs {
		if onProgress != nil {
			onProgress(frac)
		}
	}
	return nil
}

type fakeEngine struct {
	result   *whisper.Result
	err      error
	calls    int
	percents []float64
	delay    time.Duration
}

func (f *fakeEngine) Transcribe(ctx context.Context, req whisper.Request, onProgress func(whisper.Progress)) (*whisper.Result, error) {
	f.calls++
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	for _, pct := range f.percents {
		if onProgress != nil {
			onProgress(whisper.Progress{Percent: pct})
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func writeSource(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.mp3")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func newTestPipeline(t *testing.T, prober Prober, converter Converter, engine whisper.Engine) *Pipeline {
	t.Helper()
	return New(prober, converter, engine, Options{
		WorkDir:   t.TempDir(),
		ModelPath: "/models/ggml-base.bin",
	})
}

func TestRunHappyPath(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60, Codec: "mp3"}}
	converter := &fakeConverter{fracs: []float64{0.25, 0.5, 1.0}}
	engine := &fakeEngine{
		result:   &whisper.Result{Text: "hello world"},
		percents: []float64{30, 70, 99},
	}
	p := newTestPipeline(t, prober, converter, engine)

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "input.mp3"}))
	if len(events) == 0 {
		t.Fatal("no events")
	}

	if events[0].Status != StatusValidating {
		t.Errorf("first event = %s, want validating", events[0].Status)
	}

	last := events[len(events)-1]
	if last.Status != StatusCompleted || last.Progress != 100 {
		t.Fatalf("terminal = %s/%d, want completed/100", last.Status, last.Progress)
	}
	if last.Transcript != "hello world" {
		t.Errorf("Transcript = %q, want %q", last.Transcript, "hello world")
	}

	// Exactly one terminal event, and it is the last one.
	terminals := 0
	for _, ev := range events {
		if ev.Status.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want 1", terminals)
	}

	// Stage order: no converting before validating, no transcribing
	// before converting, and progress never decreases.
	order := map[Status]int{StatusValidating: 0, StatusConverting: 1, StatusTranscribing: 2, StatusCompleted: 3}
	prevStage, prevProgress := -1, -1
	for i, ev := range events {
		stage, ok := order[ev.Status]
		if !ok {
			t.Fatalf("unexpected status %s", ev.Status)
		}
		if stage < prevStage {
			t.Errorf("event %d: stage %s after a later stage", i, ev.Status)
		}
		if ev.Progress < prevProgress {
			t.Errorf("event %d: progress %d < %d", i, ev.Progress, prevProgress)
		}
		prevStage, prevProgress = stage, ev.Progress
	}

	// Converting stays in the first tenth; transcribing below 100.
	for _, ev := range events {
		if ev.Status == StatusConverting && ev.Progress > 9 {
			t.Errorf("converting progress %d out of range", ev.Progress)
		}
		if ev.Status == StatusTranscribing && (ev.Progress < 10 || ev.Progress > 99) {
			t.Errorf("transcribing progress %d out of range", ev.Progress)
		}
	}
}

func TestRunRejectsTinyFileWithoutTouchingTools(t *testing.T) {
	src := writeSource(t, 16)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	converter := &fakeConverter{}
	engine := &fakeEngine{result: &whisper.Result{}}
	p := newTestPipeline(t, prober, converter, engine)

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "tiny.mp3"}))
	last := events[len(events)-1]
	if last.Status != StatusError {
		t.Fatalf("terminal = %s, want error", last.Status)
	}
	var verr *ValidationError
	if !errors.As(last.Err, &verr) {
		t.Fatalf("Err = %v, want ValidationError", last.Err)
	}
	if prober.calls != 0 || converter.calls != 0 || engine.calls != 0 {
		t.Errorf("tools invoked for sub-floor file: probe=%d convert=%d engine=%d",
			prober.calls, converter.calls, engine.calls)
	}
}

func TestRunRejectsUnprobeableFile(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{err: errors.New("no audio stream found")}
	converter := &fakeConverter{}
	engine := &fakeEngine{result: &whisper.Result{}}
	p := newTestPipeline(t, prober, converter, engine)

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "x.mp3"}))
	last := events[len(events)-1]
	var verr *ValidationError
	if !errors.As(last.Err, &verr) {
		t.Fatalf("Err = %v, want ValidationError", last.Err)
	}
	if converter.calls != 0 || engine.calls != 0 {
		t.Errorf("later stages ran after validation failure: convert=%d engine=%d", converter.calls, engine.calls)
	}
}

func TestRunConversionFailure(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	converter := &fakeConverter{err: errors.New("ffmpeg: exit status 1")}
	engine := &fakeEngine{result: &whisper.Result{}}
	p := newTestPipeline(t, prober, converter, engine)

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "x.mp3"}))
	last := events[len(events)-1]
	var cerr *ConversionError
	if !errors.As(last.Err, &cerr) {
		t.Fatalf("Err = %v, want ConversionError", last.Err)
	}
	if engine.calls != 0 {
		t.Error("engine ran after conversion failure")
	}
}

func TestRunTranscriptionFailure(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	converter := &fakeConverter{}
	engine := &fakeEngine{err: errors.New("whisper: exit status 1")}
	p := newTestPipeline(t, prober, converter, engine)

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "x.mp3"}))
	last := events[len(events)-1]
	if last.Status != StatusError {
		t.Fatalf("terminal = %s, want error", last.Status)
	}
	var terr *TranscriptionError
	if !errors.As(last.Err, &terr) {
		t.Fatalf("Err = %v, want TranscriptionError", last.Err)
	}
}

func TestRunEmptyTranscriptCompletes(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	converter := &fakeConverter{}
	engine := &fakeEngine{result: &whisper.Result{Text: ""}}
	p := newTestPipeline(t, prober, converter, engine)

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "silent.mp3"}))
	last := events[len(events)-1]
	if last.Status != StatusCompleted {
		t.Fatalf("terminal = %s, want completed for empty transcript", last.Status)
	}
	if last.Transcript != "" {
		t.Errorf("Transcript = %q, want empty", last.Transcript)
	}
}

func TestRunCleansTempWAVAndKeepsSource(t *testing.T) {
	src := writeSource(t, 4096)
	before, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}

	workDir := t.TempDir()
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	converter := &fakeConverter{writeDst: true}
	engine := &fakeEngine{result: &whisper.Result{Text: "ok"}}
	p := New(prober, converter, engine, Options{WorkDir: workDir})

	drain(t, p.Run(context.Background(), Job{ID: "f9", SourcePath: src, Name: "x.mp3"}))

	if _, err := os.Stat(filepath.Join(workDir, "f9.wav")); !os.IsNotExist(err) {
		t.Error("temp WAV not removed after run")
	}
	after, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("source unreadable after run: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("source file was modified")
	}
}

func TestRunHeartbeatAdvancesQuietEngine(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	converter := &fakeConverter{}
	engine := &fakeEngine{result: &whisper.Result{Text: "ok"}, delay: 120 * time.Millisecond}
	p := New(prober, converter, engine, Options{
		WorkDir:   t.TempDir(),
		Heartbeat: 10 * time.Millisecond,
	})

	events := drain(t, p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "x.mp3"}))

	beats := 0
	for _, ev := range events {
		if ev.Status == StatusTranscribing && ev.Progress > 10 && ev.Progress <= 95 {
			beats++
		}
	}
	if beats == 0 {
		t.Error("no heartbeat progress while the engine was quiet")
	}
	if last := events[len(events)-1]; last.Status != StatusCompleted {
		t.Fatalf("terminal = %s, want completed", last.Status)
	}
}

func TestRunStreamIsSingleUse(t *testing.T) {
	src := writeSource(t, 4096)
	prober := &fakeProber{info: &ffmpeg.AudioInfo{Duration: 60}}
	p := newTestPipeline(t, prober, &fakeConverter{}, &fakeEngine{result: &whisper.Result{Text: "a"}})

	ch := p.Run(context.Background(), Job{ID: "f1", SourcePath: src, Name: "x.mp3"})
	drain(t, ch)

	// A drained stream stays closed; it never restarts.
	if _, open := <-ch; open {
		t.Fatal("event channel reopened after terminal event")
	}

	// A second Run yields an independent, fresh stream.
	events := drain(t, p.Run(context.Background(), Job{ID: "f2", SourcePath: src, Name: "x.mp3"}))
	if events[len(events)-1].Status != StatusCompleted {
		t.Fatal("second run did not complete")
	}
	if prober.calls != 2 {
		t.Errorf("prober calls = %d, want 2", prober.calls)
	}
}
