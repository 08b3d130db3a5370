// Package runner supervises external commands and exposes their output
// as a line stream with read-stall and total-runtime watchdogs. Every
// subprocess in the server (ffprobe, ffmpeg, whisper) goes through it.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CaptureMode selects which child pipes feed the line stream.
type CaptureMode int

const (
	// CaptureStdout streams stdout; stderr is discarded.
	CaptureStdout CaptureMode = iota
	// CaptureStderr streams stderr; stdout is discarded.
	CaptureStderr
	// CaptureBoth merges stdout and stderr into one stream.
	CaptureBoth
)

// Spec describes a single supervised invocation.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	Capture CaptureMode

	// ReadTimeout kills the process tree if no output line arrives
	// within the window. Zero disables the watchdog.
	ReadTimeout time.Duration
	// TotalTimeout kills the process tree once total runtime exceeds
	// it, regardless of output activity. Zero disables it.
	TotalTimeout time.Duration
	// TailLines controls how many trailing output lines are kept for
	// error reports. Defaults to 20.
	TailLines int
}

// Kind classifies how a supervised run failed.
type Kind int

const (
	// KindExit: the process ran to completion with a nonzero status.
	KindExit Kind = iota + 1
	// KindStart: the process could not be started at all.
	KindStart
	// KindStalled: no output within Spec.ReadTimeout; tree was killed.
	KindStalled
	// KindTimeout: Spec.TotalTimeout elapsed; tree was killed.
	KindTimeout
	// KindCanceled: the context was canceled; tree was killed.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindExit:
		return "exit"
	case KindStart:
		return "start"
	case KindStalled:
		return "stalled"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the typed failure produced by a supervised run.
type Error struct {
	Program string
	Kind    Kind
	Tail    string // last output lines, for diagnostics
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Program, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Tail != "" {
		msg += " | " + e.Tail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Stream delivers a running command's output line by line. Lines is
// closed when output ends; Wait reports the final disposition. A
// stream is consumed at most once and never restarts.
type Stream struct {
	lines    <-chan string
	waitFn   func() error
	waitOnce sync.Once
	waitErr  error
}

// NewStream wraps a line channel and wait function. ExecRunner builds
// streams over live processes; test fakes build them over canned
// output.
func NewStream(lines <-chan string, wait func() error) *Stream {
	return &Stream{lines: lines, waitFn: wait}
}

// Lines yields output lines as the process emits them. The channel is
// closed when the process stops producing output.
func (s *Stream) Lines() <-chan string { return s.lines }

// Wait blocks until the process has been reaped and returns the final
// error, if any. Undelivered lines are discarded once Wait is called;
// consume Lines first if they matter. Safe to call more than once.
func (s *Stream) Wait() error {
	s.waitOnce.Do(func() {
		if s.waitFn != nil {
			s.waitErr = s.waitFn()
		}
	})
	return s.waitErr
}

// Runner starts supervised commands. The interface is the seam test
// fakes implement.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Stream, error)
}

// ExecRunner runs commands via os/exec with process-group isolation.
type ExecRunner struct{}

// proc holds the live machinery behind an exec-backed Stream.
type proc struct {
	program string
	cmd     *exec.Cmd
	pgid    int

	quit     chan struct{} // closed by Wait; stops line delivery
	quitOnce sync.Once
	scanDone chan struct{} // closed when the pipe hits EOF

	readTimer  *time.Timer
	totalTimer *time.Timer
	readWindow time.Duration

	mu        sync.Mutex
	abortKind Kind // zero until a watchdog or cancel fires

	tailMax   int
	tailMu    sync.Mutex
	tailLines []string
}

// Run starts the command and returns its output stream. The child is
// placed in its own process group so that kills reach descendants
// (whisper and ffmpeg both fork helpers).
func (ExecRunner) Run(ctx context.Context, spec Spec) (*Stream, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &Error{Program: spec.Program, Kind: KindStart, Err: err}
	}

	switch spec.Capture {
	case CaptureStdout:
		cmd.Stdout = pw
		cmd.Stderr = io.Discard
	case CaptureStderr:
		cmd.Stdout = io.Discard
		cmd.Stderr = pw
	case CaptureBoth:
		cmd.Stdout = pw
		cmd.Stderr = pw
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &Error{Program: spec.Program, Kind: KindStart, Err: err}
	}
	// The child holds its own copy of the write end; release ours so
	// the read side sees EOF when the process tree exits.
	pw.Close()

	tailMax := spec.TailLines
	if tailMax <= 0 {
		tailMax = 20
	}

	p := &proc{
		program:    spec.Program,
		cmd:        cmd,
		pgid:       cmd.Process.Pid,
		quit:       make(chan struct{}),
		scanDone:   make(chan struct{}),
		readWindow: spec.ReadTimeout,
		tailMax:    tailMax,
	}

	if spec.ReadTimeout > 0 {
		p.readTimer = time.AfterFunc(spec.ReadTimeout, func() { p.abort(KindStalled) })
	}
	if spec.TotalTimeout > 0 {
		p.totalTimer = time.AfterFunc(spec.TotalTimeout, func() { p.abort(KindTimeout) })
	}
	go func() {
		select {
		case <-ctx.Done():
			p.abort(KindCanceled)
		case <-p.scanDone:
		}
	}()

	lines := make(chan string, 64)
	go p.scan(pr, lines)

	return NewStream(lines, p.wait), nil
}

// scan reads the pipe until EOF, feeding the tail buffer, the read
// watchdog, and (until quit) the line channel. It never stops reading
// before EOF so the child cannot block on a full pipe.
func (p *proc) scan(r io.ReadCloser, lines chan<- string) {
	defer func() {
		r.Close()
		close(lines)
		close(p.scanDone)
	}()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(splitLines)

	delivering := true
	for sc.Scan() {
		if p.readTimer != nil {
			p.readTimer.Reset(p.readWindow)
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		p.pushTail(line)
		if delivering {
			select {
			case lines <- line:
			case <-p.quit:
				delivering = false
			}
		}
	}
}

func (p *proc) pushTail(line string) {
	p.tailMu.Lock()
	p.tailLines = append(p.tailLines, line)
	if len(p.tailLines) > p.tailMax {
		p.tailLines = p.tailLines[len(p.tailLines)-p.tailMax:]
	}
	p.tailMu.Unlock()
}

func (p *proc) tail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tailLines, "\n")
}

// abort kills the whole process group. The first cause wins; later
// watchdogs are no-ops.
func (p *proc) abort(kind Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abortKind != 0 {
		return
	}
	p.abortKind = kind
	syscall.Kill(-p.pgid, syscall.SIGKILL)
}

func (p *proc) wait() error {
	// Stop delivery so a non-consuming caller cannot wedge the
	// scanner; the remaining output still drains into the tail.
	p.quitOnce.Do(func() { close(p.quit) })
	<-p.scanDone

	waitErr := p.cmd.Wait()

	if p.readTimer != nil {
		p.readTimer.Stop()
	}
	if p.totalTimer != nil {
		p.totalTimer.Stop()
	}

	p.mu.Lock()
	kind := p.abortKind
	p.mu.Unlock()

	if kind != 0 {
		return &Error{Program: p.program, Kind: kind, Tail: p.tail(), Err: waitErr}
	}
	if waitErr != nil {
		return &Error{Program: p.program, Kind: KindExit, Tail: p.tail(), Err: waitErr}
	}
	return nil
}

// splitLines is bufio.SplitFunc treating both LF and CR as line ends;
// ffmpeg rewrites progress lines with bare carriage returns.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Collect runs the command and returns its full output joined with
// newlines. For short-lived programs whose output is parsed whole,
// like ffprobe.
func Collect(ctx context.Context, r Runner, spec Spec) (string, error) {
	stream, err := r.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for line := range stream.Lines() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if err := stream.Wait(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

// LookPaths resolves every program against PATH and reports all
// missing ones in a single error. Called at startup so a missing
// binary fails boot instead of the first job.
func LookPaths(programs ...string) error {
	var missing []string
	for _, program := range programs {
		if _, err := exec.LookPath(program); err != nil {
			missing = append(missing, program)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required programs not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}
