// Package supervisor turns fetched commits into isolated runs: it scans
// the repository for new (branch, commit) pairs, launches one taskrunner
// container per pair, cleans up stale workspaces, and backs the HTTP
// surface in supervisor/api.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/common/config"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/docker"
	"github.com/kilnci/kiln/internal/events/bus"
	"github.com/kilnci/kiln/internal/github"
	"github.com/kilnci/kiln/internal/state"
	"github.com/kilnci/kiln/internal/supervisor/store"
)

// keepWorkspaceFor is how long a finished run's workspace survives before
// cleanup removes it.
const keepWorkspaceFor = 10 * time.Second

var identifierRe = regexp.MustCompile(`^\d+_[A-Za-z0-9]{40}$`)

// ValidIdentifier reports whether id is a well-formed run identifier.
func ValidIdentifier(id string) bool {
	return identifierRe.MatchString(id)
}

// ConfigError reports invalid configuration or filesystem state.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// Run couples a loaded snapshot with its log directory.
type Run struct {
	Path     string
	Snapshot *state.StateSnapshot
}

// Supervisor owns the scan loop and run lifecycle.
type Supervisor struct {
	cfg    *config.Config
	log    *logger.Logger
	docker *docker.Client
	bus    bus.EventBus
	store  *store.Store

	trigger chan struct{}

	mu        sync.Mutex
	inhibited bool
}

// New wires a supervisor. store may be nil, in which case snapshots are
// parsed from disk on every request.
func New(cfg *config.Config, dockerClient *docker.Client, eventBus bus.EventBus, cache *store.Store, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "supervisor")),
		docker:  dockerClient,
		bus:     eventBus,
		store:   cache,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger arms the scanner. Returns false when launches are inhibited.
func (s *Supervisor) Trigger() bool {
	if s.Inhibited() {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// Inhibit gates scan-triggered launches process-wide.
func (s *Supervisor) Inhibit(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inhibited = v
}

// Inhibited reports the launch gate.
func (s *Supervisor) Inhibited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inhibited
}

// RunScanner processes triggers until ctx is done. Each iteration's
// errors are logged and the loop continues.
func (s *Supervisor) RunScanner(ctx context.Context) {
	s.log.Info("scanner started")
	defer s.log.Info("scanner stopped")

	var interval <-chan time.Time
	if s.cfg.Runner.ScanInterval > 0 {
		ticker := time.NewTicker(time.Duration(s.cfg.Runner.ScanInterval) * time.Second)
		defer ticker.Stop()
		interval = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-interval:
		}
		if err := s.scan(ctx); err != nil {
			s.log.Error("background scan failed", zap.Error(err))
		}
	}
}

// scan fetches, launches runners for unseen (branch, commit) pairs, and
// cleans up old workspaces.
func (s *Supervisor) scan(ctx context.Context) error {
	if err := s.gitFetch(); err != nil {
		return err
	}
	pairs, err := s.newBranches()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if s.Inhibited() {
			break
		}
		identifier, err := s.Launch(ctx, pair.Commit, pair.Branch)
		if err != nil {
			s.log.Error("failed to launch run",
				zap.String("commit", pair.Commit),
				zap.String("branch", pair.Branch),
				zap.Error(err))
			continue
		}
		s.log.Info("launched run",
			zap.String("identifier", identifier),
			zap.String("commit", pair.Commit),
			zap.String("branch", pair.Branch))
	}
	s.publishLiveRuns(ctx)
	s.workspaceCleanup(ctx)
	return nil
}

// publishLiveRuns pushes the current state of unfinished runs onto the
// bus so lobby clients track progress without polling.
func (s *Supervisor) publishLiveRuns(ctx context.Context) {
	runs, err := s.Snapshots(0)
	if err != nil {
		return
	}
	for _, run := range runs {
		if run.Snapshot.Finished != nil {
			continue
		}
		s.publish(ctx, bus.SubjectRunState, "run.state", run.Snapshot.Identifier, map[string]any{
			"status": run.Snapshot.Status,
			"branch": run.Snapshot.Branch,
			"commit": run.Snapshot.Commit,
		})
	}
}

// Snapshots loads every run newest first; limit 0 means all. Unparseable
// state files are skipped.
func (s *Supervisor) Snapshots(limit int) ([]Run, error) {
	logsPath := s.cfg.Paths.LogsPath()
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var runs []Run
	for _, name := range names {
		if limit > 0 && len(runs) >= limit {
			break
		}
		path := filepath.Join(logsPath, name)
		snap, err := s.loadSnapshot(name, path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log.Warn("failed to load run snapshot", zap.String("identifier", name), zap.Error(err))
			}
			continue
		}
		runs = append(runs, Run{Path: path, Snapshot: snap})
	}
	return runs, nil
}

// loadSnapshot reads a run's state through the cache.
func (s *Supervisor) loadSnapshot(identifier, dir string) (*state.StateSnapshot, error) {
	statePath := filepath.Join(dir, state.StateFile)
	info, err := os.Stat(statePath)
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime().UnixNano()
	if s.store != nil {
		if snap, ok := s.store.Get(identifier, mtime); ok {
			return snap, nil
		}
	}
	snap, err := state.LoadSnapshot(statePath)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.Put(identifier, mtime, snap); err != nil {
			s.log.Warn("failed to cache snapshot", zap.String("identifier", identifier), zap.Error(err))
		}
	}
	return snap, nil
}

// FindRun locates one run by identifier.
func (s *Supervisor) FindRun(identifier string) (Run, bool) {
	dir := filepath.Join(s.cfg.Paths.LogsPath(), identifier)
	snap, err := s.loadSnapshot(identifier, dir)
	if err != nil {
		return Run{}, false
	}
	return Run{Path: dir, Snapshot: snap}, true
}

// LogDir returns a run's log directory without checking existence.
func (s *Supervisor) LogDir(identifier string) string {
	return filepath.Join(s.cfg.Paths.LogsPath(), identifier)
}

// workspaceCleanup removes workspaces of runs finished more than
// keepWorkspaceFor ago. The removal doubles as the once-per-run hook for
// reporting the final commit status.
func (s *Supervisor) workspaceCleanup(ctx context.Context) {
	runs, err := s.Snapshots(0)
	if err != nil {
		s.log.Warn("workspace cleanup: cannot list runs", zap.Error(err))
		return
	}
	byIdentifier := map[string]*state.StateSnapshot{}
	for _, run := range runs {
		byIdentifier[run.Snapshot.Identifier] = run.Snapshot
	}
	entries, err := os.ReadDir(s.cfg.Paths.WorkPath())
	if err != nil {
		return
	}
	for _, entry := range entries {
		snap, ok := byIdentifier[entry.Name()]
		if !ok || snap.Finished == nil {
			continue
		}
		if state.NowEpoch()-*snap.Finished > keepWorkspaceFor.Seconds() {
			finalState := github.StateFailure
			if snap.Status == string(state.StatusSuccess) || snap.Status == string(state.StatusSkipped) {
				finalState = github.StateSuccess
			}
			s.reportCommitStatus(ctx, finalState, snap.Commit, snap.Identifier)
			s.publish(ctx, bus.SubjectRunFinished, "run.finished", snap.Identifier, map[string]any{
				"status": snap.Status,
			})
			workspace := filepath.Join(s.cfg.Paths.WorkPath(), entry.Name())
			s.log.Info("deleting workspace", zap.String("workspace", workspace))
			if err := os.RemoveAll(workspace); err != nil {
				s.log.Error("error deleting old workspace", zap.String("workspace", workspace), zap.Error(err))
			}
		}
	}
}

// reportCommitStatus posts a commit status when a token is configured and
// the repo name is owner/name shaped.
func (s *Supervisor) reportCommitStatus(ctx context.Context, st github.CommitState, commit, identifier string) {
	token := s.cfg.Auth.StatusToken
	if token == "" || !strings.Contains(s.cfg.Repo.Name, "/") {
		return
	}
	if err := github.SetCommitStatus(ctx, st, s.cfg.Repo.Name, commit, "kiln", s.externalLogURL(identifier), token); err != nil {
		s.log.Warn("failed to set commit status",
			zap.String("commit", commit),
			zap.String("state", string(st)),
			zap.Error(err))
	}
}

func (s *Supervisor) publish(ctx context.Context, subject, eventType, identifier string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "supervisor", identifier, data)); err != nil {
		s.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// externalLogURL is the log link embedded in run state.
func (s *Supervisor) externalLogURL(identifier string) string {
	base := s.cfg.Repo.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return fmt.Sprintf("%s/logs/%s", base, identifier)
}
