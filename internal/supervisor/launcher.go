package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/docker"
	"github.com/kilnci/kiln/internal/events/bus"
	"github.com/kilnci/kiln/internal/github"
	"github.com/kilnci/kiln/internal/state"
)

// ErrInhibited is returned when a launch is requested while launches are
// globally paused.
var ErrInhibited = errors.New("launches are inhibited")

// newIdentifier builds <unix-seconds>_<sha>, incrementing the timestamp
// until the log directory name is unused.
func (s *Supervisor) newIdentifier(commit string) string {
	ts := time.Now().Unix()
	for {
		identifier := fmt.Sprintf("%d_%s", ts, commit)
		if _, err := os.Stat(filepath.Join(s.cfg.Paths.LogsPath(), identifier)); os.IsNotExist(err) {
			return identifier
		}
		ts++
	}
}

// Launch starts one containerised taskrunner for (commit, branch) and
// returns the new run's identifier. The empty initial state.json it
// writes is what marks the pair as picked up.
func (s *Supervisor) Launch(ctx context.Context, commit, branch string) (string, error) {
	if s.Inhibited() {
		return "", ErrInhibited
	}
	identifier := s.newIdentifier(commit)
	logDir := filepath.Join(s.cfg.Paths.LogsPath(), identifier)
	workDir := filepath.Join(s.cfg.Paths.WorkPath(), identifier)
	for _, dir := range []string{logDir, workDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}
	if err := s.checkoutWorkspace(workDir, commit); err != nil {
		return "", err
	}

	st := state.New(state.Options{
		Commit:     commit,
		Branch:     branch,
		RepoName:   s.cfg.Repo.Name,
		LogURL:     s.externalLogURL(identifier),
		Identifier: identifier,
		LogDir:     logDir,
	})
	if err := st.Save(); err != nil {
		return "", err
	}

	mounts := []docker.MountConfig{
		{Source: "/var/run/docker.sock", Target: "/var/run/docker.sock"},
		{Source: s.sshMountSource(), Target: "/root/.ssh", ReadOnly: true},
		{Source: s.cfg.Paths.External(logDir), Target: "/logdir"},
		{Source: s.cfg.Paths.External(workDir), Target: "/workdir"},
	}
	for _, raw := range s.cfg.Runner.AdditionalMounts {
		mount, err := parseMount(raw)
		if err != nil {
			return "", err
		}
		mounts = append(mounts, mount)
	}

	_, err := s.docker.RunContainer(ctx, docker.ContainerConfig{
		Name:       identifier,
		Image:      s.cfg.Runner.Image,
		WorkingDir: "/workdir",
		AutoRemove: true,
		Mounts:     mounts,
		Labels:     map[string]string{"kiln.run": identifier},
		Cmd: []string{
			"kiln", "taskrunner",
			"--commit", commit,
			"--branch", branch,
			"--identifier", identifier,
			"--repo-name", s.cfg.Repo.Name,
			"--log-url", s.externalLogURL(identifier),
			"--logdir", "/logdir",
			"--file", s.cfg.Runner.TasksFile,
		},
	})
	if err != nil {
		return "", err
	}

	s.log.Info("started taskrunner container",
		zap.String("identifier", identifier),
		zap.String("commit", commit),
		zap.String("branch", branch))
	s.publish(ctx, bus.SubjectRunStarted, "run.started", identifier, map[string]any{
		"commit": commit,
		"branch": branch,
	})
	s.reportCommitStatus(ctx, github.StatePending, commit, identifier)
	return identifier, nil
}

// sshMountSource is the host path of the ssh directory mounted read-only
// into runner containers.
func (s *Supervisor) sshMountSource() string {
	if s.cfg.Paths.ExternalSSH != "" {
		return s.cfg.Paths.ExternalSSH
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/root/.ssh"
	}
	return filepath.Join(home, ".ssh")
}

func parseMount(raw string) (docker.MountConfig, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return docker.MountConfig{Source: parts[0], Target: parts[1]}, nil
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return docker.MountConfig{}, fmt.Errorf("invalid mount mode %q in %q", parts[2], raw)
		}
		return docker.MountConfig{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}, nil
	default:
		return docker.MountConfig{}, fmt.Errorf("invalid mount %q, want src:dst[:mode]", raw)
	}
}

// KillOutcome describes what POST /kill actually did.
type KillOutcome int

const (
	// KillSignalled: the container received SIGTERM.
	KillSignalled KillOutcome = iota
	// KillMarkedFailed: the container was gone with the run unfinished,
	// so the run was marked failed by hand.
	KillMarkedFailed
	// KillAlreadyFinished: the container was gone and the run finished.
	KillAlreadyFinished
)

// Kill sends SIGTERM to a run's container. When the container is not
// running it reconciles the snapshot instead: an unfinished run is marked
// failed, a finished one is left alone.
func (s *Supervisor) Kill(ctx context.Context, identifier string) (KillOutcome, error) {
	err := s.docker.KillContainer(ctx, identifier, "SIGTERM")
	if err == nil {
		return KillSignalled, nil
	}
	if !docker.IsNotRunning(err) {
		return 0, err
	}

	// Refetch state to lower the race window with a finishing runner.
	statePath := filepath.Join(s.LogDir(identifier), state.StateFile)
	snap, loadErr := state.LoadSnapshot(statePath)
	if loadErr != nil {
		return 0, loadErr
	}
	if snap.Finished != nil {
		return KillAlreadyFinished, nil
	}
	finished := state.NowEpoch()
	snap.Finished = &finished
	snap.Status = string(state.StatusFailed)
	if err := snap.Save(statePath); err != nil {
		return 0, err
	}
	s.publish(ctx, bus.SubjectRunFinished, "run.finished", identifier, map[string]any{
		"status": snap.Status,
	})
	s.reportCommitStatus(ctx, github.StateFailure, snap.Commit, identifier)
	return KillMarkedFailed, nil
}

// Rerun launches a fresh run of an existing run's (commit, branch).
func (s *Supervisor) Rerun(ctx context.Context, identifier string) (string, error) {
	run, ok := s.FindRun(identifier)
	if !ok {
		return "", fmt.Errorf("identifier not found: %s", identifier)
	}
	return s.Launch(ctx, run.Snapshot.Commit, run.Snapshot.Branch)
}
