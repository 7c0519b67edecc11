// Package scheduler runs a declared DAG of tasks concurrently: one worker
// per task, dependency and skip semantics enforced through completion
// events, semaphore gating through the either-lock combinator. Task
// failures never escape a worker; they surface only in the run state.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/semaphore"
	"github.com/kilnci/kiln/internal/state"
)

// ErrSkipped is the control-flow signal a task raises (or receives) when a
// prerequisite did not succeed. It is not an error condition.
var ErrSkipped = errors.New("skipped")

// skipLogPause keeps the skip notice from interleaving with the failing
// prerequisite's own log lines.
const skipLogPause = 200 * time.Millisecond

// Context is handed to every task body.
type Context struct {
	State *state.State
	Task  *state.Task
	Log   executor.Printer
	Kill  *cancel.Token
}

// RunFunc is a task body. Returning ErrSkipped marks the task skipped.
type RunFunc func(*Context) error

// Spec declares one task.
type Spec struct {
	Name             string
	RunAfter         []string
	RunAlways        bool
	AcquireSemaphore []string
	Run              RunFunc
}

// Registry collects task declarations in registration order, which is the
// order tasks appear in the run state.
type Registry struct {
	specs []Spec
	names map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: map[string]bool{}}
}

// Register appends a task declaration.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return errors.New("task name must not be empty")
	}
	if strings.ContainsAny(spec.Name, " \t\n") {
		return fmt.Errorf("task name must not contain whitespace: %q", spec.Name)
	}
	if r.names[spec.Name] {
		return fmt.Errorf("duplicate task name: %s", spec.Name)
	}
	if spec.Run == nil {
		return fmt.Errorf("task %s has no run body", spec.Name)
	}
	r.names[spec.Name] = true
	r.specs = append(r.specs, spec)
	return nil
}

// Specs returns the declarations in registration order.
func (r *Registry) Specs() []Spec {
	return r.specs
}

// Run instantiates every spec as a task, persists the initial state, and
// runs all workers to completion. The dependency graph is enforced purely
// through prerequisite waiting; Run itself never fails because of a task.
func Run(st *state.State, specs []Spec, log *RunLog, kill *cancel.Token) error {
	for _, spec := range specs {
		st.Tasks = append(st.Tasks, state.NewTask(spec.Name, spec.RunAfter, spec.RunAlways, spec.AcquireSemaphore))
	}
	if err := st.Save(); err != nil {
		return err
	}

	g := new(errgroup.Group)
	for i := range specs {
		spec := specs[i]
		task := st.Tasks[i]
		g.Go(func() error {
			runTask(st, task, spec, log, kill)
			return nil
		})
	}
	return g.Wait()
}

// runTask drives one task through its lifecycle. All exit paths set the
// finished time, persist the state and fire the completion event.
func runTask(st *state.State, task *state.Task, spec Spec, log *RunLog, kill *cancel.Token) {
	ctx := &Context{State: st, Task: task, Log: log.Printer(task.Name), Kill: kill}
	defer func() {
		finished := state.NowEpoch()
		if err := st.Mutate(func() { task.Finished = &finished }); err != nil {
			ctx.Log.Println("Error saving state: " + err.Error())
		}
		task.FireCompleted()
	}()

	err := func() error {
		if err := waitForTasks(ctx, spec); err != nil {
			return err
		}

		if len(spec.AcquireSemaphore) > 0 {
			_ = st.SetStatus(task, state.StatusWaitingForSemaphore)
			description := strings.Join([]string{task.Name, st.RepoName, st.Identifier}, ":")
			locks := make([]semaphore.Lockable, len(spec.AcquireSemaphore))
			for i, endpoint := range spec.AcquireSemaphore {
				locks[i] = &semaphore.Queue{
					Endpoint:        endpoint,
					SelfDescription: description,
					Printer:         ctx.Log,
					Kill:            kill,
					Verbose:         true,
				}
			}
			index, release, err := semaphore.AcquireEither(locks)
			if err != nil {
				return err
			}
			defer release()
			_ = st.Mutate(func() { task.AcquiredSemaphore = spec.AcquireSemaphore[index] })
		}

		ctx.Log.Println("Task started")
		_ = st.Start(task)
		if err := spec.Run(ctx); err != nil {
			return err
		}
		ctx.Log.Println("Task success")
		_ = st.SetStatus(task, state.StatusSuccess)
		return nil
	}()

	if err == nil {
		return
	}
	if errors.Is(err, ErrSkipped) {
		_ = st.SetStatus(task, state.StatusSkipped)
		ctx.Log.Println("Task skipped")
		return
	}
	_ = st.Fail(task, err)
	if pe, ok := executor.AsProcessError(err); ok {
		// The exit code was already printed with the command output.
		ctx.Log.Println("Task failed: " + pe.Error())
	} else {
		ctx.Log.Println("Task failed")
		for _, line := range strings.Split(err.Error(), "\n") {
			ctx.Log.Println(line)
		}
	}
}

// waitForTasks blocks on every prerequisite's completion event, then
// decides between running and skipping.
func waitForTasks(ctx *Context, spec Spec) error {
	if len(spec.RunAfter) == 0 {
		return nil
	}
	st, task := ctx.State, ctx.Task
	_ = st.SetStatus(task, state.StatusWaitingForTask)
	deps := make([]*state.Task, len(spec.RunAfter))
	for i, name := range spec.RunAfter {
		dep, err := st.TaskByName(name)
		if err != nil {
			return err
		}
		deps[i] = dep
	}
	for _, dep := range deps {
		select {
		case <-dep.Completed():
		default:
			ctx.Log.Println("Waiting for task: " + dep.Name)
			<-dep.Completed()
		}
	}
	for _, dep := range deps {
		if dep.Status() != state.StatusSuccess && !spec.RunAlways {
			time.Sleep(skipLogPause)
			ctx.Log.Println("Dependent task did not succeed: " + dep.Name)
			return ErrSkipped
		}
	}
	ctx.Log.Println("Finished waiting for tasks: " + strings.Join(spec.RunAfter, ", "))
	return nil
}

// FailImport records a task-file load failure as a single synthetic
// failed task so the run is visibly failed rather than silently absent.
func FailImport(st *state.State, log *RunLog, loadErr error) {
	task := state.NewTask("FailedImport", nil, false, nil)
	st.Tasks = append(st.Tasks, task)
	now := state.NowEpoch()
	_ = st.Mutate(func() {
		task.Started = &now
		task.Finished = &now
	})
	printer := log.Printer(task.Name)
	printer.Println("Failed to load task file")
	for _, line := range strings.Split(loadErr.Error(), "\n") {
		printer.Println(line)
	}
	_ = st.Fail(task, loadErr)
	task.FireCompleted()
}
