// Package semaphore implements a file-backed, self-healing, first-come-
// first-served semaphore queue usable locally or over ssh, and the
// either-lock combinator that acquires exactly one of several lockables.
//
// The queue file is a single JSON document
//
//	{"concurrency": N, "queue": [{"pid": P, "description": D}, ...]}
//
// where the first N entries hold the semaphore and the rest wait. Entries
// are live process identifiers on the queue host; dead entries are pruned
// on every pass, so the file is authoritative without a central authority.
package semaphore

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// Entry is one queue position.
type Entry struct {
	PID         int    `json:"pid"`
	Description string `json:"description"`
}

type queueDocument struct {
	Concurrency int     `json:"concurrency"`
	Queue       []Entry `json:"queue"`
}

const initialQueueContent = `{"concurrency": 1, "queue": []}`

// EnsureQueueFile creates the queue file with concurrency 1 on first use.
func EnsureQueueFile(filename string) error {
	if _, err := os.Stat(filename); err == nil {
		return nil
	}
	return os.WriteFile(filename, []byte(initialQueueContent), 0644)
}

// ReadAndUpdateQueue takes an exclusive lock on the queue file, prunes
// entries whose pid is gone or a zombie, optionally adds or removes the
// calling process, and writes the result back in place.
func ReadAndUpdateQueue(filename string, addSelf, removeSelf bool, selfDescription string) (int, []Entry, error) {
	lock := flock.New(filename)
	if err := lock.Lock(); err != nil {
		return 0, nil, fmt.Errorf("locking queue file: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	f, err := os.OpenFile(filename, os.O_RDWR, 0644)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	raw, err := os.ReadFile(filename)
	if err != nil {
		return 0, nil, err
	}
	var doc queueDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, nil, fmt.Errorf("queue parse error: %q: %w", string(raw), err)
	}

	running := runningPIDs(doc.Queue)
	verified := doc.Queue[:0:0]
	for _, entry := range doc.Queue {
		if running[entry.PID] {
			verified = append(verified, entry)
		}
	}

	selfPID := os.Getpid()
	if addSelf {
		present := false
		for _, entry := range verified {
			if entry.PID == selfPID {
				present = true
				break
			}
		}
		if !present {
			verified = append(verified, Entry{PID: selfPID, Description: selfDescription})
		}
	}
	if removeSelf {
		kept := verified[:0]
		for _, entry := range verified {
			if entry.PID != selfPID {
				kept = append(kept, entry)
			}
		}
		verified = kept
	}

	if !entriesEqual(doc.Queue, verified) {
		out, err := json.MarshalIndent(queueDocument{Concurrency: doc.Concurrency, Queue: verified}, "", "    ")
		if err != nil {
			return 0, nil, err
		}
		if _, err := f.Seek(0, 0); err != nil {
			return 0, nil, err
		}
		if _, err := f.Write(out); err != nil {
			return 0, nil, err
		}
		if err := f.Truncate(int64(len(out))); err != nil {
			return 0, nil, err
		}
	}
	return doc.Concurrency, verified, nil
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// runningPIDs probes which of the queued pids are alive, dropping zombies.
func runningPIDs(entries []Entry) map[int]bool {
	running := map[int]bool{}
	if len(entries) == 0 {
		return running
	}
	args := []string{"-o", "pid,state"}
	for _, entry := range entries {
		args = append(args, strconv.Itoa(entry.PID))
	}
	out, err := exec.Command("ps", args...).Output()
	if err != nil {
		// ps exits non-zero when none of the pids exist
		return running
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.HasPrefix(fields[1], "Z") {
			continue
		}
		if pid, err := strconv.Atoi(fields[0]); err == nil {
			running[pid] = true
		}
	}
	return running
}
