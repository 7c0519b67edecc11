package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilnci/kiln/internal/common/config"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/events/bus"
	"github.com/kilnci/kiln/internal/state"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/supervisor"
)

const testSha = "0123456789012345678901234567890123456789"

func testRouter(t *testing.T) (*gin.Engine, *supervisor.Supervisor, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.Data = t.TempDir()
	cfg.Repo.Name = "kiln"
	cfg.Repo.BaseURL = "http://localhost:8000"
	for _, dir := range []string{cfg.Paths.LogsPath(), cfg.Paths.WorkPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	sup := supervisor.New(cfg, nil, bus.NewMemoryEventBus(logger.Default()), nil, logger.Default())
	server := NewServer(cfg, sup, streaming.NewHub(logger.Default()), logger.Default())
	return server.Router(), sup, cfg
}

func writeRun(t *testing.T, cfg *config.Config, identifier, status string, tasks []state.TaskSnapshot) string {
	t.Helper()
	logDir := filepath.Join(cfg.Paths.LogsPath(), identifier)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatal(err)
	}
	if tasks == nil {
		tasks = []state.TaskSnapshot{}
	}
	snap := &state.StateSnapshot{
		Commit:     testSha,
		Branch:     "main",
		RepoName:   "kiln",
		LogURL:     "http://localhost:8000/logs/" + identifier,
		Identifier: identifier,
		Status:     status,
		Started:    1600000000,
		Tasks:      tasks,
	}
	if err := snap.Save(filepath.Join(logDir, state.StateFile)); err != nil {
		t.Fatal(err)
	}
	return logDir
}

func oneTask(name, status string) []state.TaskSnapshot {
	return []state.TaskSnapshot{{
		Name:             name,
		Status:           status,
		RunAfter:         []string{},
		AcquireSemaphore: []string{},
	}}
}

func TestInvalidIdentifierRejected(t *testing.T) {
	router, _, _ := testRouter(t)
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/logs/not-an-id"},
		{http.MethodGet, "/stream/not_40_hex"},
		{http.MethodPost, "/kill/1234"},
		{http.MethodPost, "/rerun/" + testSha},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(p.method, p.path, nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s = %d, want 400", p.method, p.path, w.Code)
		}
	}
}

func TestLogsMissingRunIs404(t *testing.T) {
	router, _, _ := testRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/logs/1600000000_"+testSha, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestLogsReturnsStateAndLines(t *testing.T) {
	router, _, cfg := testRouter(t)
	id := "1600000000_" + testSha
	logDir := writeRun(t, cfg, id, "success", oneTask("build", "success"))
	logContent := "t0 build compiling\nt1 build linking\n"
	if err := os.WriteFile(filepath.Join(logDir, "output.log"), []byte(logContent), 0644); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/logs/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var body struct {
		State  state.StateSnapshot `json:"state"`
		Lines  []map[string]string `json:"lines"`
		Stream string              `json:"stream"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.State.Identifier != id {
		t.Errorf("state identifier = %s", body.State.Identifier)
	}
	if len(body.Lines) != 2 || body.Lines[0]["stage"] != "build" {
		t.Errorf("lines = %+v", body.Lines)
	}
	if body.Stream != "/stream/"+id+"?id=3" {
		t.Errorf("stream = %s", body.Stream)
	}
}

func TestIndexListsRunsNewestFirst(t *testing.T) {
	router, _, cfg := testRouter(t)
	writeRun(t, cfg, "1600000001_"+testSha, "success", nil)
	writeRun(t, cfg, "1600000009_"+testSha, "running", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Builds []buildSummary `json:"builds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Builds) != 2 {
		t.Fatalf("builds = %+v", body.Builds)
	}
	if body.Builds[0].Link != "logs/1600000009_"+testSha {
		t.Errorf("first build = %+v, want newest", body.Builds[0])
	}
	if body.Builds[0].Sha != testSha[:8] {
		t.Errorf("sha = %s", body.Builds[0].Sha)
	}
}

func TestTriggerInhibited(t *testing.T) {
	router, sup, _ := testRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	if w.Code != http.StatusOK {
		t.Errorf("trigger = %d, want 200", w.Code)
	}

	sup.Inhibit(true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("inhibited trigger = %d, want 400", w.Code)
	}
}

// TestStreamReplay reconnects with Last-Event-ID and expects the state
// event plus the log resuming at the next line.
func TestStreamReplay(t *testing.T) {
	router, _, cfg := testRouter(t)
	id := "1600000000_" + testSha
	logDir := writeRun(t, cfg, id, "running", oneTask("build", "running"))
	logContent := "t0 build one\nt1 build two\nt2 build three\n"
	if err := os.WriteFile(filepath.Join(logDir, "output.log"), []byte(logContent), 0644); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(router)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stream/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	timer := time.AfterFunc(15*time.Second, func() { resp.Body.Close() })
	defer timer.Stop()

	var sawState bool
	var firstLineID string
	var lineOrder []string
	scanner := bufio.NewScanner(resp.Body)
	var currentID, currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			currentID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			currentEvent = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if currentEvent == "state" {
				sawState = true
				if firstLineID != "" {
					t.Error("state event arrived after line events")
				}
			}
			if currentEvent == "line" {
				if firstLineID == "" {
					firstLineID = currentID
				}
				lineOrder = append(lineOrder, currentID)
			}
			currentEvent = ""
		}
		if sawState && len(lineOrder) >= 2 {
			break
		}
	}
	if !sawState {
		t.Error("no state event received")
	}
	if firstLineID != "2" {
		t.Errorf("first replayed line id = %s, want 2", firstLineID)
	}
	if len(lineOrder) >= 2 && lineOrder[1] != "3" {
		t.Errorf("line ids = %v", lineOrder)
	}
}
