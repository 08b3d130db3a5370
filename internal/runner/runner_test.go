package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func shell(script string) Spec {
	return Spec{Program: "sh", Args: []string{"-c", script}}
}

func collectLines(t *testing.T, s *Stream) []string {
	t.Helper()
	var lines []string
	for line := range s.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func TestRunDeliversLinesInOrder(t *testing.T) {
	s, err := ExecRunner{}.Run(context.Background(), shell("echo one; echo two; echo three"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := collectLines(t, s)
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %v", len(lines), lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunNoOutput(t *testing.T) {
	s, err := ExecRunner{}.Run(context.Background(), shell("exit 0"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lines := collectLines(t, s); len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunMergesStderr(t *testing.T) {
	spec := shell("echo out; echo err 1>&2")
	spec.Capture = CaptureBoth
	s, err := ExecRunner{}.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	joined := strings.Join(collectLines(t, s), "\n")
	if !strings.Contains(joined, "out") || !strings.Contains(joined, "err") {
		t.Fatalf("merged output missing a stream: %q", joined)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunExitFailure(t *testing.T) {
	s, err := ExecRunner{}.Run(context.Background(), shell("echo boom; exit 3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := collectLines(t, s)
	if len(lines) != 1 || lines[0] != "boom" {
		t.Fatalf("lines before failure = %v, want [boom]", lines)
	}

	waitErr := s.Wait()
	var rerr *Error
	if !errors.As(waitErr, &rerr) {
		t.Fatalf("Wait returned %v, want *Error", waitErr)
	}
	if rerr.Kind != KindExit {
		t.Errorf("Kind = %s, want exit", rerr.Kind)
	}
	if !strings.Contains(rerr.Tail, "boom") {
		t.Errorf("Tail = %q, want it to contain the last output", rerr.Tail)
	}
}

func TestRunMissingProgram(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Spec{Program: "no-such-binary-for-this-test"})
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("Run returned %v, want *Error", err)
	}
	if rerr.Kind != KindStart {
		t.Errorf("Kind = %s, want start", rerr.Kind)
	}
}

func TestReadTimeoutKillsStalledProcess(t *testing.T) {
	spec := shell("echo first; sleep 30")
	spec.ReadTimeout = 150 * time.Millisecond
	start := time.Now()
	s, err := ExecRunner{}.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := collectLines(t, s)
	waitErr := s.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stalled process not killed promptly, took %v", elapsed)
	}
	if len(lines) != 1 || lines[0] != "first" {
		t.Errorf("lines = %v, want [first]", lines)
	}

	var rerr *Error
	if !errors.As(waitErr, &rerr) || rerr.Kind != KindStalled {
		t.Fatalf("Wait = %v, want stalled error", waitErr)
	}
}

func TestTotalTimeoutKillsBusyProcess(t *testing.T) {
	// Keeps emitting, so only the total timer can end it.
	spec := shell("while :; do echo tick; sleep 0.05; done")
	spec.TotalTimeout = 300 * time.Millisecond
	start := time.Now()
	s, err := ExecRunner{}.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	collectLines(t, s)
	waitErr := s.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("busy process not killed promptly, took %v", elapsed)
	}

	var rerr *Error
	if !errors.As(waitErr, &rerr) || rerr.Kind != KindTimeout {
		t.Fatalf("Wait = %v, want timeout error", waitErr)
	}
}

func TestCancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := ExecRunner{}.Run(ctx, shell("sleep 30"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	collectLines(t, s)
	waitErr := s.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("canceled process not killed promptly, took %v", elapsed)
	}

	var rerr *Error
	if !errors.As(waitErr, &rerr) || rerr.Kind != KindCanceled {
		t.Fatalf("Wait = %v, want canceled error", waitErr)
	}
}

func TestWaitWithoutConsumingDoesNotDeadlock(t *testing.T) {
	// Output far larger than the pipe and channel buffers; Wait must
	// drain it rather than wedge the child.
	s, err := ExecRunner{}.Run(context.Background(), shell("seq 1 50000"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Wait deadlocked on unconsumed output")
	}
}

func TestCollect(t *testing.T) {
	out, err := Collect(context.Background(), ExecRunner{}, shell("echo a; echo b"))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if out != "a\nb" {
		t.Fatalf("Collect = %q, want %q", out, "a\nb")
	}
}

func TestLookPaths(t *testing.T) {
	if err := LookPaths("sh"); err != nil {
		t.Fatalf("LookPaths(sh): %v", err)
	}
	err := LookPaths("sh", "definitely-not-installed-anywhere")
	if err == nil {
		t.Fatal("expected error for missing program")
	}
	if !strings.Contains(err.Error(), "definitely-not-installed-anywhere") {
		t.Errorf("error %q does not name the missing program", err)
	}
}
