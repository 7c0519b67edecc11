package executor

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnci/kiln/internal/cancel"
)

// collectPrinter captures printed lines for assertions.
type collectPrinter struct {
	mu    sync.Mutex
	lines []string
}

func (p *collectPrinter) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

func (p *collectPrinter) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func TestRunCapturesStdout(t *testing.T) {
	out, err := Run(RunSpec{
		Command: []string{"/bin/bash", "-ce", "echo hello; echo world"},
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "hello\nworld\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	_, err := Run(RunSpec{
		Command: []string{"/bin/bash", "-ce", "echo partial; echo oops >&2; exit 3"},
		Quiet:   true,
	})
	pe, ok := AsProcessError(err)
	if !ok {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if pe.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", pe.ExitCode)
	}
	if string(pe.Stdout) != "partial\n" {
		t.Errorf("stdout = %q", pe.Stdout)
	}
	if !strings.Contains(string(pe.Stderr), "oops") {
		t.Errorf("stderr = %q", pe.Stderr)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	kill := cancel.New()
	kill.Cancel()
	_, err := Run(RunSpec{
		Command: []string{"/bin/bash", "-ce", "echo never"},
		Quiet:   true,
		Kill:    kill,
	})
	pe, ok := AsProcessError(err)
	if !ok {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if pe.Message != "process start cancelled" {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestRunKillsProcessGroup(t *testing.T) {
	kill := cancel.New()
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		// Child spawns its own grandchild; the group signal must reach both.
		_, err := Run(RunSpec{
			Command: []string{"/bin/bash", "-c", "sleep 30 & wait"},
			Quiet:   true,
			Kill:    kill,
		})
		done <- err
	}()
	time.Sleep(200 * time.Millisecond)
	kill.Cancel()
	select {
	case err := <-done:
		if _, ok := AsProcessError(err); !ok {
			t.Fatalf("expected ProcessError after kill, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("kill took too long: %v", elapsed)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("process not killed")
	}
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := Run(RunSpec{
		Command: []string{"/bin/bash", "-ce", "sleep 30"},
		Quiet:   true,
		Timeout: 300 * time.Millisecond,
	})
	if _, ok := AsProcessError(err); !ok {
		t.Fatalf("expected ProcessError after timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout kill took too long: %v", elapsed)
	}
}

func TestRunOutputQueueCensorsAndStripsCR(t *testing.T) {
	lines := make(chan string, 16)
	_, err := Run(RunSpec{
		Command: []string{"/bin/bash", "-ce", `printf 'token=secret123\rmore\n'`},
		Censor:  []string{"secret123"},
		Output:  lines,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	line := <-lines
	if strings.Contains(line, "secret123") {
		t.Errorf("censored value leaked: %q", line)
	}
	if strings.Contains(line, "\r") {
		t.Errorf("carriage return not stripped: %q", line)
	}
	if line != "token="+Censored+"more" {
		t.Errorf("line = %q", line)
	}
}

func TestRunPrintsWithPrefix(t *testing.T) {
	printer := &collectPrinter{}
	_, err := Run(RunSpec{
		Command: []string{"/bin/bash", "-ce", "echo visible"},
		Printer: printer,
		Prefix:  "pre ",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	lines := printer.all()
	if len(lines) != 1 || lines[0] != "pre visible" {
		t.Errorf("printed lines = %v", lines)
	}
}

func TestParseMagicLine(t *testing.T) {
	pid, err := parseMagicLine("MAGICSTRING 4321\n")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pid != 4321 {
		t.Errorf("pid = %d", pid)
	}
	for _, bad := range []string{"", "MAGICSTRING", "MAGICSTRING x", "NOPE 12", "MAGICSTRING 1 2"} {
		if _, err := parseMagicLine(bad); err == nil {
			t.Errorf("parseMagicLine(%q) did not fail", bad)
		}
	}
}
