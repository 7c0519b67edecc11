// Package streaming delivers a run's live output and state to clients:
// a follower pair (log tail + state-file poll) feeding SSE and WebSocket
// surfaces, and a hub fanning run lifecycle events out to WebSocket
// clients.
package streaming

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/scheduler"
	"github.com/kilnci/kiln/internal/state"
)

// Kind discriminates follower items.
type Kind string

const (
	KindLine  Kind = "line"
	KindState Kind = "state"
)

// Item is one unit of a run's live stream: a log line or a full state
// document.
type Item struct {
	Kind  Kind
	Line  string
	State json.RawMessage
}

const (
	logExistencePoll = 500 * time.Millisecond
	statePoll        = time.Second
)

// Follow streams log lines starting at fromLine (1-based, tail -n +N
// semantics) and state.json documents on every change, until stop is
// cancelled. The current state is emitted before any line so a
// reconnecting client renders from a consistent snapshot first. The
// returned channel closes once both followers have ended.
func Follow(logDir string, fromLine int, stop *cancel.Token) <-chan Item {
	out := make(chan Item, 64)
	statePath := filepath.Join(logDir, state.StateFile)
	go func() {
		var initialMtime time.Time
		if info, err := os.Stat(statePath); err == nil {
			if raw, err := os.ReadFile(statePath); err == nil && json.Valid(raw) {
				out <- Item{Kind: KindState, State: json.RawMessage(raw)}
				initialMtime = info.ModTime()
			}
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tailLog(filepath.Join(logDir, scheduler.LogFile), fromLine, out, stop)
		}()
		go func() {
			defer wg.Done()
			pollState(statePath, initialMtime, out, stop)
		}()
		wg.Wait()
		close(out)
	}()
	return out
}

// tailLog follows output.log with tail -f, waiting for the file to appear
// first. The tail process is killed through the stop token.
func tailLog(path string, fromLine int, out chan<- Item, stop *cancel.Token) {
	for {
		if stop.Canceled() {
			return
		}
		if _, err := os.Stat(path); err == nil {
			break
		}
		if stop.Wait(logExistencePoll) {
			return
		}
	}

	lines := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = executor.Run(executor.RunSpec{
			Command: []string{"tail", "-n", "+" + strconv.Itoa(fromLine), "-f", path},
			Quiet:   true,
			Output:  lines,
			Kill:    stop,
		})
	}()
	for {
		select {
		case line := <-lines:
			out <- Item{Kind: KindLine, Line: line}
		case <-done:
			// drain what the reader enqueued before exit
			for {
				select {
				case line := <-lines:
					out <- Item{Kind: KindLine, Line: line}
				default:
					return
				}
			}
		}
	}
}

// pollState emits the parsed state.json whenever its mtime moves past
// lastMtime.
func pollState(path string, lastMtime time.Time, out chan<- Item, stop *cancel.Token) {
	for {
		if stop.Canceled() {
			return
		}
		if info, err := os.Stat(path); err == nil && !info.ModTime().Equal(lastMtime) {
			if raw, err := os.ReadFile(path); err == nil && json.Valid(raw) {
				out <- Item{Kind: KindState, State: json.RawMessage(raw)}
				lastMtime = info.ModTime()
			}
		}
		if stop.Wait(statePoll) {
			return
		}
	}
}

// Stage returns a log line's stage: its second whitespace-delimited token,
// which the run log format makes the task name.
func Stage(line string) string {
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
}
