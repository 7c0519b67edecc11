package taskrunner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/state"
)

const testSha = "0123456789012345678901234567890123456789"

func runWithTaskFile(t *testing.T, tasksYaml string) *state.StateSnapshot {
	t.Helper()
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatal(err)
	}
	tasksFile := filepath.Join(dir, "tasks.yaml")
	if err := os.WriteFile(tasksFile, []byte(tasksYaml), 0644); err != nil {
		t.Fatal(err)
	}

	params := Params{
		Commit:     testSha,
		Branch:     "main",
		Identifier: "1600000000_" + testSha,
		RepoName:   "kiln",
		LogURL:     "http://localhost:8000/logs/1600000000_" + testSha,
		LogDir:     logDir,
		File:       tasksFile,
	}
	if err := Run(params, cancel.New(), logger.Default()); err != nil {
		t.Fatalf("taskrunner crashed: %v", err)
	}
	snap, err := state.LoadSnapshot(filepath.Join(logDir, state.StateFile))
	if err != nil {
		t.Fatalf("state not readable after run: %v", err)
	}
	return snap
}

func TestRunSuccess(t *testing.T) {
	snap := runWithTaskFile(t, `
tasks:
  - name: hello
    run: echo hello
  - name: after
    run: echo after
    run_after: [hello]
`)
	if snap.Status != string(state.StatusSuccess) {
		t.Errorf("overall status = %s", snap.Status)
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("tasks = %+v", snap.Tasks)
	}
	if snap.Tasks[0].Name != "hello" || snap.Tasks[1].Name != "after" {
		t.Errorf("task order = %s, %s", snap.Tasks[0].Name, snap.Tasks[1].Name)
	}
	if snap.Finished == nil {
		t.Error("run finished not set")
	}
	if snap.Identifier != "1600000000_"+testSha {
		t.Errorf("identifier = %s", snap.Identifier)
	}
}

func TestRunTaskFailure(t *testing.T) {
	snap := runWithTaskFile(t, `
tasks:
  - name: broken
    run: exit 7
  - name: dependent
    run: echo never
    run_after: [broken]
`)
	if snap.Status != string(state.StatusFailed) {
		t.Errorf("overall status = %s", snap.Status)
	}
	statuses := map[string]string{}
	for _, task := range snap.Tasks {
		statuses[task.Name] = task.Status
	}
	if statuses["broken"] != string(state.StatusFailed) {
		t.Errorf("broken = %s", statuses["broken"])
	}
	if statuses["dependent"] != string(state.StatusSkipped) {
		t.Errorf("dependent = %s", statuses["dependent"])
	}
}

// TestRunFailedImport feeds an unparseable task file; the run must fail
// with a single synthetic FailedImport task recording the error.
func TestRunFailedImport(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatal(err)
	}
	tasksFile := filepath.Join(dir, "tasks.yaml")
	if err := os.WriteFile(tasksFile, []byte("1 = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	params := Params{
		Commit:     testSha,
		Branch:     "main",
		Identifier: "1600000001_" + testSha,
		LogDir:     logDir,
		File:       tasksFile,
	}
	if err := Run(params, cancel.New(), logger.Default()); err != nil {
		t.Fatalf("taskrunner crashed: %v", err)
	}

	snap, err := state.LoadSnapshot(filepath.Join(logDir, state.StateFile))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != string(state.StatusFailed) {
		t.Errorf("overall status = %s", snap.Status)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].Name != "FailedImport" {
		t.Fatalf("tasks = %+v", snap.Tasks)
	}

	logRaw, err := os.ReadFile(filepath.Join(logDir, "output.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logRaw), "FailedImport") {
		t.Errorf("output.log does not attribute the failure:\n%s", logRaw)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := (Params{}).Validate(); err == nil {
		t.Error("empty params accepted")
	}
	full := Params{Commit: "c", Branch: "b", Identifier: "i", LogDir: "l", File: "f"}
	if err := full.Validate(); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}
