package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/state"
)

// TestWaitForTasksLeavesWaitingStatus pins the status contract of the
// prerequisite wait: it must leave the task in waiting_for_task, never
// running — running is set only after the semaphore step, together with
// the start time.
func TestWaitForTasksLeavesWaitingStatus(t *testing.T) {
	st, log := newRun(t)
	dep := state.NewTask("dep", nil, false, nil)
	gated := state.NewTask("gated", []string{"dep"}, false, []string{"/tmp/unused.queue"})
	st.Tasks = append(st.Tasks, dep, gated)
	if err := st.SetStatus(dep, state.StatusSuccess); err != nil {
		t.Fatal(err)
	}
	dep.FireCompleted()

	ctx := &Context{State: st, Task: gated, Log: log.Printer("gated"), Kill: cancel.New()}
	spec := Spec{Name: "gated", RunAfter: []string{"dep"}, AcquireSemaphore: []string{"/tmp/unused.queue"}}
	if err := waitForTasks(ctx, spec); err != nil {
		t.Fatalf("waitForTasks failed: %v", err)
	}
	if got := gated.Status(); got != state.StatusWaitingForTask {
		t.Errorf("status after prerequisite wait = %s, want %s", got, state.StatusWaitingForTask)
	}
	if gated.Started != nil {
		t.Error("start time stamped during the prerequisite wait")
	}
}

// TestDependencyThenSemaphore runs a task declaring both run_after and
// acquire_semaphore against a queue held by another process: it must
// pass through waiting_for_semaphore after its prerequisite and never
// appear running without a start time.
func TestDependencyThenSemaphore(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns helper subprocesses and waits on a held semaphore")
	}
	st, log := newRun(t)
	queueFile := filepath.Join(t.TempDir(), "gate.queue")

	// an unrelated live process holds the single slot
	holder := exec.Command("sleep", "30")
	if err := holder.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = holder.Process.Kill()
		_ = holder.Wait()
	}()
	doc := fmt.Sprintf(`{"concurrency": 1, "queue": [{"pid": %d, "description": "holder"}]}`, holder.Process.Pid)
	if err := os.WriteFile(queueFile, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry()
	if err := registry.Register(Spec{
		Name: "dep",
		Run:  func(*Context) error { return nil },
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(Spec{
		Name:             "gated",
		RunAfter:         []string{"dep"},
		AcquireSemaphore: []string{queueFile},
		Run: func(ctx *Context) error {
			if ctx.Task.Started == nil {
				t.Error("run body entered without a start time")
			}
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(st, registry.Specs(), log, cancel.New())
	}()

	// watch the persisted snapshots until the gated task queues up
	statePath := filepath.Join(st.LogDir, state.StateFile)
	deadline := time.Now().Add(20 * time.Second)
	sawWaiting := false
	for !sawWaiting {
		if time.Now().After(deadline) {
			t.Fatal("gated task never reached waiting_for_semaphore")
		}
		if snap, err := state.LoadSnapshot(statePath); err == nil {
			for _, ts := range snap.Tasks {
				if ts.Name != "gated" {
					continue
				}
				if ts.Status == string(state.StatusRunning) && ts.Started == nil {
					t.Fatal("snapshot shows gated running without a start time")
				}
				if ts.Status == string(state.StatusWaitingForSemaphore) {
					sawWaiting = true
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	// free the slot: the helper prunes the dead holder and acquires
	_ = holder.Process.Kill()
	_ = holder.Wait()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish after the semaphore was freed")
	}

	gated, err := st.TaskByName("gated")
	if err != nil {
		t.Fatal(err)
	}
	if gated.Status() != state.StatusSuccess {
		t.Errorf("gated status = %s, want success", gated.Status())
	}
	if gated.AcquiredSemaphore != queueFile {
		t.Errorf("acquired semaphore = %q, want %q", gated.AcquiredSemaphore, queueFile)
	}
	if gated.Started == nil || gated.Finished == nil || *gated.Finished < *gated.Started {
		t.Errorf("timestamps: started=%v finished=%v", gated.Started, gated.Finished)
	}
}
