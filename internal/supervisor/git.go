package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/executor"
)

// BranchCommit is one remote (branch, commit) pair.
type BranchCommit struct {
	Branch string
	Commit string
}

// Init prepares the supervisor's environment: directories, an ssh
// identity for executors and semaphore hosts, and a verified clone.
func (s *Supervisor) Init() error {
	for _, dir := range []string{s.cfg.Paths.Data, s.cfg.Paths.LogsPath(), s.cfg.Paths.WorkPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := s.initSSH(); err != nil {
		return err
	}

	repoPath := s.cfg.Paths.RepoPath()
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); os.IsNotExist(err) {
		s.log.Info("cloning repository", zap.String("url", s.cfg.Repo.URL))
		if _, err := s.git("", "clone", s.cfg.Repo.URL, repoPath); err != nil {
			return fmt.Errorf("cloning %s: %w", s.cfg.Repo.URL, err)
		}
	}

	remotes, err := s.git(repoPath, "remote")
	if err != nil {
		return err
	}
	if strings.TrimSpace(remotes) != "origin" {
		return &ConfigError{Msg: fmt.Sprintf("git remote != origin: %q", strings.TrimSpace(remotes))}
	}
	url, err := s.git(repoPath, "remote", "get-url", "origin")
	if err != nil {
		return err
	}
	if strings.TrimSpace(url) != s.cfg.Repo.URL {
		return &ConfigError{Msg: fmt.Sprintf("git remote get-url origin %q != configured repo url %q", strings.TrimSpace(url), s.cfg.Repo.URL)}
	}

	// Surface load errors once at startup.
	if _, err := s.Snapshots(0); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to enumerate existing runs", zap.Error(err))
	}
	return nil
}

// initSSH generates a keypair when ~/.ssh is empty and emits the public
// key so the operator can authorize it on build hosts.
func (s *Supervisor) initSSH() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return err
	}
	entries, err := os.ReadDir(sshDir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	_, err = executor.Run(executor.RunSpec{
		Command: []string{"ssh-keygen", "-f", filepath.Join(sshDir, "id_rsa"), "-P", ""},
		Quiet:   true,
		Kill:    cancel.New(),
	})
	if err != nil {
		return fmt.Errorf("generating ssh keypair: %w", err)
	}
	pubKey, err := os.ReadFile(filepath.Join(sshDir, "id_rsa.pub"))
	if err != nil {
		return err
	}
	s.log.Info("generated ssh keypair", zap.String("public_key", strings.TrimSpace(string(pubKey))))
	return os.WriteFile(filepath.Join(sshDir, "config"), []byte("Host *\n  StrictHostKeyChecking=accept-new\n"), 0644)
}

// git runs one git command, returning its stdout.
func (s *Supervisor) git(dir string, args ...string) (string, error) {
	command := []string{"git"}
	if dir != "" {
		command = append(command, "-C", dir)
	}
	command = append(command, args...)
	out, err := executor.Run(executor.RunSpec{
		Command: command,
		Quiet:   true,
		Kill:    cancel.New(),
	})
	if err != nil {
		if pe, ok := executor.AsProcessError(err); ok {
			return "", fmt.Errorf("git %s: %s: %s", strings.Join(args, " "), pe.Message, strings.TrimSpace(string(pe.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// gitFetch updates remote refs, pruning removed branches and tags.
func (s *Supervisor) gitFetch() error {
	s.log.Info("fetching updates from remote")
	_, err := s.git(s.cfg.Paths.RepoPath(), "fetch", "--prune", "--prune-tags")
	return err
}

// remoteBranches enumerates refs/remotes/origin/* except HEAD.
func (s *Supervisor) remoteBranches() ([]BranchCommit, error) {
	out, err := s.git(s.cfg.Paths.RepoPath(), "show-ref")
	if err != nil {
		return nil, err
	}
	const prefix = "refs/remotes/origin/"
	var pairs []BranchCommit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		commit, ref := fields[0], fields[1]
		if !strings.HasPrefix(ref, prefix) || strings.HasSuffix(ref, "HEAD") {
			continue
		}
		pairs = append(pairs, BranchCommit{Branch: strings.TrimPrefix(ref, prefix), Commit: commit})
	}
	return pairs, nil
}

// Tags maps commits to their tag names.
func (s *Supervisor) Tags() (map[string][]string, error) {
	out, err := s.git(s.cfg.Paths.RepoPath(), "show-ref")
	if err != nil {
		return nil, err
	}
	const prefix = "refs/tags/"
	tags := map[string][]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		commit, ref := fields[0], fields[1]
		if strings.HasPrefix(ref, prefix) {
			tags[commit] = append(tags[commit], strings.TrimPrefix(ref, prefix))
		}
	}
	return tags, nil
}

// newBranches returns remote pairs without a matching local run.
func (s *Supervisor) newBranches() ([]BranchCommit, error) {
	remote, err := s.remoteBranches()
	if err != nil {
		return nil, err
	}
	runs, err := s.Snapshots(0)
	if err != nil {
		return nil, err
	}
	seen := map[BranchCommit]bool{}
	for _, run := range runs {
		seen[BranchCommit{Branch: run.Snapshot.Branch, Commit: run.Snapshot.Commit}] = true
	}
	var fresh []BranchCommit
	for _, pair := range remote {
		if !seen[pair] {
			fresh = append(fresh, pair)
		}
	}
	return fresh, nil
}

// checkoutWorkspace copies the clone's .git into an empty workspace and
// force-checks-out the commit.
func (s *Supervisor) checkoutWorkspace(workdir, commit string) error {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("workdir not empty: %s", workdir)
	}
	_, err = executor.Run(executor.RunSpec{
		Command: []string{"cp", "-r", filepath.Join(s.cfg.Paths.RepoPath(), ".git"), workdir},
		Quiet:   true,
		Kill:    cancel.New(),
	})
	if err != nil {
		return err
	}
	_, err = s.git(workdir, "checkout", commit, "-f")
	return err
}
