package scheduler

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/state"
)

func newRun(t *testing.T) (*state.State, *RunLog) {
	t.Helper()
	dir := t.TempDir()
	st := state.New(state.Options{
		Commit:     "0123456789012345678901234567890123456789",
		Branch:     "main",
		Identifier: "1600000000_0123456789012345678901234567890123456789",
		LogDir:     dir,
	})
	log, err := OpenRunLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return st, log
}

func appendSpec(name string, runAfter []string, seq *[]string, mu *sync.Mutex, letter string) Spec {
	return Spec{
		Name:     name,
		RunAfter: runAfter,
		Run: func(ctx *Context) error {
			mu.Lock()
			defer mu.Unlock()
			*seq = append(*seq, letter)
			return nil
		},
	}
}

// TestDagOrdering runs A -> B -> C fanning out to D,E,F,G joining at H
// and checks the observed execution order.
func TestDagOrdering(t *testing.T) {
	st, log := newRun(t)
	var mu sync.Mutex
	var seq []string

	registry := NewRegistry()
	mustRegister := func(spec Spec) {
		t.Helper()
		if err := registry.Register(spec); err != nil {
			t.Fatal(err)
		}
	}
	mustRegister(appendSpec("A", nil, &seq, &mu, "A"))
	mustRegister(appendSpec("B", []string{"A"}, &seq, &mu, "B"))
	mustRegister(appendSpec("C", []string{"B"}, &seq, &mu, "C"))
	for _, name := range []string{"D", "E", "F", "G"} {
		mustRegister(appendSpec(name, []string{"C"}, &seq, &mu, "-"))
	}
	mustRegister(appendSpec("H", []string{"D", "E", "F", "G"}, &seq, &mu, "H"))

	if err := Run(st, registry.Specs(), log, cancel.New()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"A", "B", "C", "-", "-", "-", "-", "H"}
	if len(seq) != len(want) {
		t.Fatalf("sequence = %v", seq)
	}
	for i, letter := range seq[:3] {
		if letter != want[i] {
			t.Fatalf("sequence = %v, want prefix A B C", seq)
		}
	}
	for _, letter := range seq[3:7] {
		if letter != "-" {
			t.Fatalf("sequence = %v, want dashes in the middle", seq)
		}
	}
	if seq[7] != "H" {
		t.Fatalf("sequence = %v, want H last", seq)
	}

	if st.Status() != state.StatusSuccess {
		t.Errorf("overall status = %s", st.Status())
	}
	// every task finished and fired its completion event
	for _, task := range st.Tasks {
		if !task.Status().Terminal() {
			t.Errorf("task %s not terminal: %s", task.Name, task.Status())
		}
		if task.Finished == nil {
			t.Errorf("task %s has no finished time", task.Name)
		}
		select {
		case <-task.Completed():
		default:
			t.Errorf("task %s completed event not fired", task.Name)
		}
	}
	// dependency edges respect wall-clock ordering
	h, _ := st.TaskByName("H")
	for _, name := range []string{"D", "E", "F", "G"} {
		dep, _ := st.TaskByName(name)
		if *h.Started < *dep.Finished {
			t.Errorf("H started %f before %s finished %f", *h.Started, name, *dep.Finished)
		}
	}
}

// TestSkipPropagation covers a failing prerequisite: the plain dependent
// skips, the run_always dependent runs and can observe the failure.
func TestSkipPropagation(t *testing.T) {
	st, log := newRun(t)
	var observed state.Status

	registry := NewRegistry()
	if err := registry.Register(Spec{
		Name: "A",
		Run: func(ctx *Context) error {
			return errors.New("boom")
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(Spec{
		Name:     "B",
		RunAfter: []string{"A"},
		Run: func(ctx *Context) error {
			t.Error("B must not run")
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(Spec{
		Name:      "C",
		RunAfter:  []string{"A"},
		RunAlways: true,
		Run: func(ctx *Context) error {
			a, err := ctx.State.TaskByName("A")
			if err != nil {
				return err
			}
			observed = a.Status()
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	if err := Run(st, registry.Specs(), log, cancel.New()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantStatuses := map[string]state.Status{
		"A": state.StatusFailed,
		"B": state.StatusSkipped,
		"C": state.StatusSuccess,
	}
	for name, want := range wantStatuses {
		task, _ := st.TaskByName(name)
		if task.Status() != want {
			t.Errorf("task %s status = %s, want %s", name, task.Status(), want)
		}
	}
	if observed != state.StatusFailed {
		t.Errorf("C observed A as %s, want failed", observed)
	}
	if st.Status() != state.StatusFailed {
		t.Errorf("overall status = %s", st.Status())
	}
}

func TestSkippedViaErrSkipped(t *testing.T) {
	st, log := newRun(t)
	registry := NewRegistry()
	if err := registry.Register(Spec{
		Name: "conditional",
		Run: func(ctx *Context) error {
			return ErrSkipped
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := Run(st, registry.Specs(), log, cancel.New()); err != nil {
		t.Fatal(err)
	}
	task, _ := st.TaskByName("conditional")
	if task.Status() != state.StatusSkipped {
		t.Errorf("status = %s, want skipped", task.Status())
	}
	if st.Status() != state.StatusSkipped {
		t.Errorf("overall = %s, want skipped", st.Status())
	}
}

func TestFailImport(t *testing.T) {
	st, log := newRun(t)
	FailImport(st, log, errors.New("yaml: line 3: mapping values are not allowed"))

	if len(st.Tasks) != 1 || st.Tasks[0].Name != "FailedImport" {
		t.Fatalf("tasks = %+v", st.Tasks)
	}
	if st.Tasks[0].Status() != state.StatusFailed {
		t.Errorf("status = %s", st.Tasks[0].Status())
	}
	if st.Status() != state.StatusFailed {
		t.Errorf("overall = %s", st.Status())
	}
	raw, err := os.ReadFile(filepath.Join(st.LogDir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "mapping values are not allowed") {
		t.Errorf("load error not recorded in run log:\n%s", raw)
	}
}

func TestRegistryRejectsBadSpecs(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Spec{Name: "ok", Run: func(*Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	bad := []Spec{
		{Name: "ok", Run: func(*Context) error { return nil }},      // duplicate
		{Name: "", Run: func(*Context) error { return nil }},        // empty
		{Name: "has space", Run: func(*Context) error { return nil }}, // whitespace
		{Name: "norun"}, // missing body
	}
	for _, spec := range bad {
		if err := registry.Register(spec); err == nil {
			t.Errorf("spec %+v accepted", spec.Name)
		}
	}
}

func TestRunLogFormat(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenRunLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	log.Printer("build").Println("compiling")
	log.Close()

	raw, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimRight(string(raw), "\n")
	fields := strings.Fields(line)
	if len(fields) < 3 {
		t.Fatalf("line = %q", line)
	}
	if fields[1] != "build" {
		t.Errorf("stage token = %q, want build", fields[1])
	}
	if fields[2] != "compiling" {
		t.Errorf("text token = %q", fields[2])
	}
}
