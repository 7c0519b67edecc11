package executor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kilnci/kiln/internal/cancel"
)

const tmpRoot = "/tmp"

// randomTmpPath returns a fresh /tmp/exe_<32-hex> path.
func randomTmpPath() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // the system random source is gone; nothing sensible to do
	}
	return filepath.Join(tmpRoot, "exe_"+hex.EncodeToString(buf))
}

// assertPathInTmp guards every delete operation in the codebase: only
// absolute paths directly under /tmp may ever be removed.
func assertPathInTmp(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("temp path is not absolute: %s", path)
	}
	if filepath.Dir(filepath.Clean(path)) != tmpRoot {
		return fmt.Errorf("temp path is not directly under '/tmp/': %s", path)
	}
	return nil
}

// safeRemoveTmp removes a local file after checking the /tmp invariant.
func safeRemoveTmp(path string) error {
	if err := assertPathInTmp(path); err != nil {
		return err
	}
	return os.Remove(path)
}

var (
	stashCleanupMu sync.Mutex
	stashCleanup   []string
)

// registerStashForCleanup records a local stash path for best-effort
// removal at process exit (CleanupStashes).
func registerStashForCleanup(path string) {
	stashCleanupMu.Lock()
	defer stashCleanupMu.Unlock()
	stashCleanup = append(stashCleanup, path)
}

// CleanupStashes unlinks every stash registered during this process.
// Called from main on clean shutdown.
func CleanupStashes() {
	stashCleanupMu.Lock()
	paths := stashCleanup
	stashCleanup = nil
	stashCleanupMu.Unlock()
	for _, path := range paths {
		_ = safeRemoveTmp(path)
	}
}

// Stash is an immutable gzipped tar under /tmp used to move file trees
// between executors.
type Stash struct {
	Path string
}

func (s *Stash) String() string {
	return s.Path
}

// NewEmptyStash creates a stash containing no files.
func NewEmptyStash() (*Stash, error) {
	path := randomTmpPath()
	_, err := Run(RunSpec{
		Command: []string{"tar", "--create", "--gzip", "--file", path, "--files-from", "/dev/null"},
		Quiet:   true,
		Kill:    cancel.New(),
	})
	if err != nil {
		return nil, err
	}
	registerStashForCleanup(path)
	return &Stash{Path: path}, nil
}

// ReadBytes extracts a single member to memory.
func (s *Stash) ReadBytes(specificFile string) ([]byte, error) {
	return Run(RunSpec{
		Command: []string{"tar", "--extract", "--gzip", "--file", s.Path, "--to-stdout", specificFile},
		Quiet:   true,
		Kill:    cancel.New(),
	})
}

// ReadText extracts a single member as trimmed text.
func (s *Stash) ReadText(specificFile string) (string, error) {
	data, err := s.ReadBytes(specificFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
