package api

import (
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilnci/kiln/internal/scheduler"
	"github.com/kilnci/kiln/internal/state"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/supervisor"
)

const (
	defaultIndexLimit = 40

	// tasksPopulateWait bounds how long /logs waits for a freshly
	// launched run's task list to appear.
	tasksPopulateWait = 10 * time.Second
	tasksPopulatePoll = 500 * time.Millisecond
)

// buildSummary is one row of the index.
type buildSummary struct {
	Branch    string   `json:"branch"`
	Link      string   `json:"link"`
	Timestamp string   `json:"timestamp"`
	Duration  string   `json:"duration"`
	Status    string   `json:"status"`
	Sha       string   `json:"sha"`
	Tags      []string `json:"tags"`
}

func (s *Server) index(c *gin.Context) {
	limit := defaultIndexLimit
	if c.Query("show") == "all" {
		limit = 0
	}
	runs, err := s.sup.Snapshots(limit)
	if err != nil && !os.IsNotExist(err) {
		c.String(http.StatusInternalServerError, "Failed to list runs")
		return
	}
	tags, err := s.sup.Tags()
	if err != nil {
		tags = map[string][]string{}
	}

	builds := make([]buildSummary, 0, len(runs))
	for _, run := range runs {
		snap := run.Snapshot
		finished := time.Now().Unix()
		if snap.Finished != nil {
			finished = int64(*snap.Finished)
		}
		builds = append(builds, buildSummary{
			Branch:    snap.Branch,
			Link:      "logs/" + snap.Identifier,
			Timestamp: time.Unix(int64(snap.Started), 0).UTC().Format(time.RFC3339),
			Duration:  formatDuration(time.Duration(finished-int64(snap.Started)) * time.Second),
			Status:    snap.Status,
			Sha:       shortSha(snap.Commit),
			Tags:      tags[snap.Commit],
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"title":           s.cfg.Repo.Name,
		"builds":          builds,
		"is_inhibited":    s.sup.Inhibited(),
		"is_limited_view": limit > 0 && len(builds) == limit,
	})
}

func shortSha(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= 24*time.Hour {
		return fmt.Sprintf("%d days", int(d.Hours())/24)
	}
	return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func (s *Server) logs(c *gin.Context) {
	id, ok := s.identifierParam(c)
	if !ok {
		return
	}
	logDir := s.sup.LogDir(id)
	statePath := filepath.Join(logDir, state.StateFile)
	if _, err := os.Stat(statePath); err != nil {
		c.String(http.StatusNotFound, "Page not found")
		return
	}

	// A just-launched run has an empty task list until the runner
	// enumerates its task file; give it a moment to populate.
	snap, err := state.LoadSnapshot(statePath)
	deadline := time.Now().Add(tasksPopulateWait)
	for err == nil && len(snap.Tasks) == 0 && time.Now().Before(deadline) {
		time.Sleep(tasksPopulatePoll)
		snap, err = state.LoadSnapshot(statePath)
	}
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to load run state")
		return
	}

	type logLine struct {
		Stage string `json:"stage"`
		Text  string `json:"text"`
	}
	var lines []logLine
	if raw, err := os.ReadFile(filepath.Join(logDir, scheduler.LogFile)); err == nil && len(raw) > 0 {
		for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
			lines = append(lines, logLine{
				Stage: html.EscapeString(streaming.Stage(line)),
				Text:  html.EscapeString(line),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"title":  s.cfg.Repo.Name,
		"state":  snap,
		"lines":  lines,
		"stream": fmt.Sprintf("/stream/%s?id=%d", id, len(lines)+1),
	})
}

func (s *Server) triggerHandler(c *gin.Context) {
	if !s.sup.Trigger() {
		c.String(http.StatusBadRequest, "Inhibited")
		return
	}
	if c.Request.Method == http.MethodPost {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	c.String(http.StatusOK, "Looking for changes in remote repo")
}

func (s *Server) kill(c *gin.Context) {
	id, ok := s.identifierParam(c)
	if !ok {
		return
	}
	if _, found := s.sup.FindRun(id); !found {
		c.String(http.StatusNotFound, "Identifier not found")
		return
	}
	outcome, err := s.sup.Kill(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to kill run: %v", err)
		return
	}
	switch outcome {
	case supervisor.KillSignalled:
		c.Redirect(http.StatusSeeOther, "/logs/"+id)
	case supervisor.KillMarkedFailed:
		c.String(http.StatusOK, "Container not running. Overall status manually set to FAILED.")
	case supervisor.KillAlreadyFinished:
		c.String(http.StatusBadRequest, "Container not running")
	}
}

func (s *Server) rerun(c *gin.Context) {
	id, ok := s.identifierParam(c)
	if !ok {
		return
	}
	if s.sup.Inhibited() {
		c.String(http.StatusBadRequest, "Inhibited")
		return
	}
	newID, err := s.sup.Rerun(c.Request.Context(), id)
	if err != nil {
		if _, found := s.sup.FindRun(id); !found {
			c.String(http.StatusNotFound, "Identifier not found")
			return
		}
		c.String(http.StatusInternalServerError, "Failed to rerun: %v", err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/logs/"+newID)
}

func (s *Server) inhibit(c *gin.Context) {
	s.sup.Inhibit(true)
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) removeInhibition(c *gin.Context) {
	s.sup.Inhibit(false)
	c.Redirect(http.StatusSeeOther, "/")
}
