package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Task is the runtime record of one unit of work. Workers mutate it only
// through State.Mutate/SetStatus so writes serialise with concurrent
// snapshots and every visible change lands in the snapshot.
type Task struct {
	Name             string
	RunAfter         []string
	RunAlways        bool
	AcquireSemaphore []string

	AcquiredSemaphore string
	Err               error
	Started           *float64
	Finished          *float64

	status       Status
	completed    chan struct{}
	completeOnce sync.Once
}

// NewTask returns a not-started task.
func NewTask(name string, runAfter []string, runAlways bool, acquireSemaphore []string) *Task {
	return &Task{
		Name:             name,
		RunAfter:         runAfter,
		RunAlways:        runAlways,
		AcquireSemaphore: acquireSemaphore,
		status:           StatusNotStarted,
		completed:        make(chan struct{}),
	}
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	return t.status
}

// Completed is closed once the task reaches a terminal status and its
// finished time is persisted; dependents block on it.
func (t *Task) Completed() <-chan struct{} {
	return t.completed
}

// FireCompleted wakes every dependent. Idempotent.
func (t *Task) FireCompleted() {
	t.completeOnce.Do(func() { close(t.completed) })
}

// State owns the task arena for one run; tasks reference each other by
// name through it.
type State struct {
	Commit     string
	Branch     string
	RepoName   string
	LogURL     string
	Identifier string
	LogDir     string
	Started    float64
	Finished   *float64
	Tasks      []*Task

	saveMu sync.Mutex
}

// Options for New; zero values are filled in.
type Options struct {
	Commit     string
	Branch     string
	RepoName   string
	LogURL     string
	Identifier string
	LogDir     string
}

// New creates a run state stamped with the current time. A missing
// identifier gets a random one, which supervisor-launched runs always
// override with <unix-seconds>_<sha>.
func New(opts Options) *State {
	identifier := opts.Identifier
	if identifier == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		identifier = hex.EncodeToString(buf)
	}
	logDir := opts.LogDir
	if logDir == "" {
		logDir = "."
	}
	return &State{
		Commit:     opts.Commit,
		Branch:     opts.Branch,
		RepoName:   opts.RepoName,
		LogURL:     opts.LogURL,
		Identifier: identifier,
		LogDir:     logDir,
		Started:    NowEpoch(),
	}
}

// NowEpoch returns the current time as epoch seconds.
func NowEpoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// TaskByName finds a task in the arena.
func (s *State) TaskByName(name string) (*Task, error) {
	for _, task := range s.Tasks {
		if task.Name == name {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

// Status derives the run status from the task statuses.
func (s *State) Status() Status {
	statuses := make([]Status, len(s.Tasks))
	for i, task := range s.Tasks {
		statuses[i] = task.status
	}
	return OverallStatus(statuses)
}

// Snapshot captures the full run for serialisation.
func (s *State) Snapshot() *StateSnapshot {
	tasks := make([]TaskSnapshot, len(s.Tasks))
	for i, task := range s.Tasks {
		runAfter := task.RunAfter
		if runAfter == nil {
			runAfter = []string{}
		}
		acquire := task.AcquireSemaphore
		if acquire == nil {
			acquire = []string{}
		}
		tasks[i] = TaskSnapshot{
			Name:              task.Name,
			Status:            string(task.status),
			RunAfter:          runAfter,
			RunAlways:         task.RunAlways,
			AcquireSemaphore:  acquire,
			AcquiredSemaphore: task.AcquiredSemaphore,
			Started:           task.Started,
			Finished:          task.Finished,
		}
	}
	return &StateSnapshot{
		Commit:     s.Commit,
		Branch:     s.Branch,
		RepoName:   s.RepoName,
		LogURL:     s.LogURL,
		Identifier: s.Identifier,
		Status:     string(s.Status()),
		Started:    s.Started,
		Finished:   s.Finished,
		Tasks:      tasks,
	}
}

// Save writes the snapshot under the per-run mutex so concurrent task
// workers serialise their updates.
func (s *State) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.save()
}

// save must be called with saveMu held.
func (s *State) save() error {
	return s.Snapshot().Save(filepath.Join(s.LogDir, StateFile))
}

// Mutate runs fn under the per-run mutex and persists the snapshot.
// Snapshot reads every task's fields, so task writes from worker
// goroutines must go through here to serialise with saves.
func (s *State) Mutate(fn func()) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	fn()
	return s.save()
}

// SetStatus assigns a task status and persists the snapshot, returning
// the save error for callers that can report it.
func (s *State) SetStatus(task *Task, status Status) error {
	return s.Mutate(func() { task.status = status })
}

// Start stamps the task's start time and moves it to running in one
// persisted update, so no snapshot ever shows a running task without a
// start time.
func (s *State) Start(task *Task) error {
	started := NowEpoch()
	return s.Mutate(func() {
		task.Started = &started
		task.status = StatusRunning
	})
}

// Fail records the error and moves the task to failed in one persisted
// update.
func (s *State) Fail(task *Task, err error) error {
	return s.Mutate(func() {
		task.Err = err
		task.status = StatusFailed
	})
}
