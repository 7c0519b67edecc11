package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StateFile is the snapshot filename inside a run's log directory.
const StateFile = "state.json"

// TaskSnapshot is the serialised form of one task. The historical
// "aquire" spelling is part of the on-disk format.
type TaskSnapshot struct {
	Name              string   `json:"name"`
	Status            string   `json:"status"`
	RunAfter          []string `json:"run_after"`
	RunAlways         bool     `json:"run_always"`
	AcquireSemaphore  []string `json:"aquire_semaphore"`
	AcquiredSemaphore string   `json:"aquired_semaphore"`
	Started           *float64 `json:"started"`
	Finished          *float64 `json:"finished"`
}

// StateSnapshot is the serialised form of a run.
type StateSnapshot struct {
	Commit     string         `json:"commit"`
	Branch     string         `json:"branch"`
	RepoName   string         `json:"repo_name"`
	LogURL     string         `json:"log_url"`
	Identifier string         `json:"identifier"`
	Status     string         `json:"status"`
	Started    float64        `json:"started"`
	Finished   *float64       `json:"finished"`
	Tasks      []TaskSnapshot `json:"tasks"`
}

var stateKeys = []string{"commit", "branch", "repo_name", "log_url", "identifier", "status", "started", "finished", "tasks"}
var taskKeys = []string{"name", "status", "run_after", "run_always", "aquire_semaphore", "aquired_semaphore", "started", "finished"}

// Save writes the snapshot as pretty-printed JSON, atomically replacing
// the previous file so readers never observe a partial object.
func (s *StateSnapshot) Save(path string) error {
	if s.Tasks == nil {
		s.Tasks = []TaskSnapshot{}
	}
	for i := range s.Tasks {
		if s.Tasks[i].RunAfter == nil {
			s.Tasks[i].RunAfter = []string{}
		}
		if s.Tasks[i].AcquireSemaphore == nil {
			s.Tasks[i].AcquireSemaphore = []string{}
		}
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads and strictly validates a snapshot file.
func LoadSnapshot(path string) (*StateSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := ParseSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// ParseSnapshot decodes a snapshot, rejecting unknown fields, missing
// fields, type mismatches and unknown status names.
func ParseSnapshot(raw []byte) (*StateSnapshot, error) {
	if err := requireKeys(raw, stateKeys); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var snap StateSnapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, err
	}
	if !ValidStatus(snap.Status) {
		return nil, fmt.Errorf("unknown status %q", snap.Status)
	}

	var keyed struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, err
	}
	for _, rawTask := range keyed.Tasks {
		if err := requireKeys(rawTask, taskKeys); err != nil {
			return nil, err
		}
	}
	for _, task := range snap.Tasks {
		if !ValidStatus(task.Status) {
			return nil, fmt.Errorf("task %q: unknown status %q", task.Name, task.Status)
		}
	}
	return &snap, nil
}

func requireKeys(raw []byte, keys []string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for _, key := range keys {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("missing field %q", key)
		}
	}
	return nil
}
