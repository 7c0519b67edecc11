package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilnci/kiln/internal/executor"
)

// LogFile is the append-only line log inside a run's log directory.
const LogFile = "output.log"

// taskColumn is the fixed width of the task name column; the SSE stage
// field is parsed back out of it as the line's second whitespace token.
const taskColumn = 20

// RunLog serialises all task output of one run into output.log, one
// timestamped, task-prefixed line at a time, mirrored to stdout.
type RunLog struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
}

// OpenRunLog opens (creating if needed) logDir/output.log for append.
func OpenRunLog(logDir string) (*RunLog, error) {
	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &RunLog{file: file, mirror: os.Stdout}, nil
}

// Close flushes and closes the log file.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Line appends one log line attributed to a task.
func (l *RunLog) Line(taskName, text string) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000000")
	line := fmt.Sprintf("%s %-*s %s\n", timestamp, taskColumn, taskName, text)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.mirror, line)
	_, _ = l.file.WriteString(line)
}

// taskPrinter adapts the run log to the executor's line sink.
type taskPrinter struct {
	log  *RunLog
	task string
}

func (p *taskPrinter) Println(line string) {
	p.log.Line(p.task, line)
}

// Printer returns a line sink that attributes output to taskName.
func (l *RunLog) Printer(taskName string) executor.Printer {
	return &taskPrinter{log: l, task: taskName}
}
