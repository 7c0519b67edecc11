package state

import (
	"path/filepath"
	"testing"
)

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusNotStarted},
		{"all skipped", []Status{StatusSkipped, StatusSkipped}, StatusSkipped},
		{"success and skipped", []Status{StatusSuccess, StatusSkipped}, StatusSuccess},
		{"all success", []Status{StatusSuccess}, StatusSuccess},
		{"one running", []Status{StatusSuccess, StatusRunning, StatusFailed}, StatusRunning},
		{"waiting for semaphore", []Status{StatusSuccess, StatusWaitingForSemaphore}, StatusWaitingForSemaphore},
		{"waiting for task", []Status{StatusSuccess, StatusWaitingForTask}, StatusWaitingForTask},
		{"failed beats waiting nothing", []Status{StatusSuccess, StatusFailed}, StatusFailed},
		{"failed with skipped", []Status{StatusSkipped, StatusFailed}, StatusFailed},
		{"not started counts as failed path", []Status{StatusSuccess, StatusNotStarted}, StatusFailed},
	}
	for _, c := range cases {
		if got := OverallStatus(c.statuses); got != c.want {
			t.Errorf("%s: OverallStatus = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestStateSetStatusPersists(t *testing.T) {
	dir := t.TempDir()
	st := New(Options{
		Commit:     "0123456789012345678901234567890123456789",
		Branch:     "main",
		Identifier: "1600000000_0123456789012345678901234567890123456789",
		LogDir:     dir,
	})
	task := NewTask("build", nil, false, nil)
	st.Tasks = append(st.Tasks, task)

	if err := st.SetStatus(task, StatusRunning); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	snap, err := LoadSnapshot(filepath.Join(dir, StateFile))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snap.Status != string(StatusRunning) {
		t.Errorf("run status = %s", snap.Status)
	}
	if snap.Tasks[0].Status != string(StatusRunning) {
		t.Errorf("task status = %s", snap.Tasks[0].Status)
	}
	if snap.Identifier != st.Identifier {
		t.Errorf("identifier = %s", snap.Identifier)
	}
}

func TestStartStampsTimeWithRunning(t *testing.T) {
	dir := t.TempDir()
	st := New(Options{
		Commit:     "0123456789012345678901234567890123456789",
		Branch:     "main",
		Identifier: "1600000000_0123456789012345678901234567890123456789",
		LogDir:     dir,
	})
	task := NewTask("build", nil, false, nil)
	st.Tasks = append(st.Tasks, task)

	if err := st.Start(task); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap, err := LoadSnapshot(filepath.Join(dir, StateFile))
	if err != nil {
		t.Fatal(err)
	}
	got := snap.Tasks[0]
	if got.Status != string(StatusRunning) {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.Started == nil {
		t.Error("running task persisted without a start time")
	}
}

func TestTaskCompletedFiresOnce(t *testing.T) {
	task := NewTask("x", nil, false, nil)
	select {
	case <-task.Completed():
		t.Fatal("completed fired before task finished")
	default:
	}
	task.FireCompleted()
	task.FireCompleted()
	select {
	case <-task.Completed():
	default:
		t.Fatal("completed did not fire")
	}
}

func TestNewStateGeneratesIdentifier(t *testing.T) {
	st := New(Options{LogDir: t.TempDir()})
	if st.Identifier == "" {
		t.Fatal("empty identifier")
	}
	if st.Started == 0 {
		t.Fatal("started not stamped")
	}
}
