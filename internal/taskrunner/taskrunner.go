// Package taskrunner is the in-container entry point of a run: it loads
// the task file, executes the DAG, and persists the outcome. The process
// exits zero on completion regardless of task success — the outcome lives
// in state.json — and non-zero only on an internal crash.
package taskrunner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/scheduler"
	"github.com/kilnci/kiln/internal/state"
	"github.com/kilnci/kiln/internal/taskfile"
)

// Params are the taskrunner CLI flags.
type Params struct {
	Commit     string
	Branch     string
	Identifier string
	RepoName   string
	LogURL     string
	LogDir     string
	File       string
}

// Validate checks the required flags.
func (p Params) Validate() error {
	if p.Commit == "" || p.Branch == "" || p.Identifier == "" || p.LogDir == "" || p.File == "" {
		return fmt.Errorf("missing required flags: --commit, --branch, --identifier, --logdir, --file")
	}
	return nil
}

// Run executes one full run. kill is the root cancellation token, wired
// to SIGTERM/SIGINT by the caller.
func Run(params Params, kill *cancel.Token, log *logger.Logger) error {
	st := state.New(state.Options{
		Commit:     params.Commit,
		Branch:     params.Branch,
		RepoName:   params.RepoName,
		LogURL:     params.LogURL,
		Identifier: params.Identifier,
		LogDir:     params.LogDir,
	})

	runLog, err := scheduler.OpenRunLog(params.LogDir)
	if err != nil {
		return err
	}
	defer runLog.Close()
	defer executor.CleanupStashes()

	log.Info("taskrunner starting",
		zap.String("identifier", params.Identifier),
		zap.String("commit", params.Commit),
		zap.String("branch", params.Branch),
		zap.String("file", params.File))

	specs, err := taskfile.Load(params.File, kill)
	if err != nil {
		scheduler.FailImport(st, runLog, err)
	} else if err := scheduler.Run(st, specs, runLog, kill); err != nil {
		return err
	}

	finished := state.NowEpoch()
	if err := st.Mutate(func() { st.Finished = &finished }); err != nil {
		return err
	}

	log.Info("taskrunner finished",
		zap.String("identifier", params.Identifier),
		zap.String("status", string(st.Status())))
	return nil
}
