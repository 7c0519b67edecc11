package semaphore

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/executor"
)

// respawnDelay is how long the client sleeps before respawning a helper
// that died without acquiring — the self-healing path for network
// glitches and stale queue hosts.
const respawnDelay = 10 * time.Second

var errKilled = errors.New("killed while waiting for semaphore")

// Queue is one semaphore endpoint, either a local path or user@host:path.
// Remote endpoints require passwordless ssh; the helper is shipped to the
// host with scp as a self-contained binary.
type Queue struct {
	Endpoint        string
	SelfDescription string
	Printer         executor.Printer
	Kill            *cancel.Token
	Verbose         bool
}

func splitEndpoint(endpoint string) (host, filename string) {
	if i := strings.Index(endpoint, ":"); i >= 0 {
		return endpoint[:i], endpoint[i+1:]
	}
	return "", endpoint
}

func (q *Queue) printer() executor.Printer {
	if q.Printer == nil {
		return executor.Stdout
	}
	return q.Printer
}

func (q *Queue) kill() *cancel.Token {
	if q.Kill == nil {
		q.Kill = cancel.New()
	}
	return q.Kill
}

// Acquire blocks until this caller holds the semaphore and returns the
// release handle. A helper that exits before acquiring is respawned after
// a pause; cancellation aborts the wait.
func (q *Queue) Acquire() (func(), error) {
	printer := q.printer()
	kill := q.kill()
	for {
		if kill.Canceled() {
			return nil, errKilled
		}
		release, acquired, err := q.attempt(printer, kill)
		if err != nil {
			return nil, err
		}
		if acquired {
			return release, nil
		}
		printer.Println("Semaphore process crashed")
		if kill.Wait(respawnDelay) {
			return nil, errKilled
		}
		printer.Println("Retrying semaphore")
	}
}

// attempt spawns one helper and follows it to acquisition or death.
// Returns acquired=false with a nil error when the helper crashed and a
// respawn is warranted.
func (q *Queue) attempt(printer executor.Printer, kill *cancel.Token) (func(), bool, error) {
	host, filename := splitEndpoint(q.Endpoint)

	var cmd *exec.Cmd
	var remoteBinary string
	if host == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, false, err
		}
		cmd = exec.Command(self, "semaphore", filename, "--self-description="+q.SelfDescription)
	} else {
		var err error
		remoteBinary, err = uploadHelper(host, kill)
		if err != nil {
			return nil, false, err
		}
		cmd = exec.Command("ssh", host, fmt.Sprintf(
			"chmod +x %s && %s semaphore %s --self-description=%s",
			remoteBinary, remoteBinary, shellQuoteArg(filename), shellQuoteArg(q.SelfDescription)))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, false, err
	}
	if err := cmd.Start(); err != nil {
		return nil, false, err
	}

	// Terminate the helper when the run is cancelled so its signal
	// handler prunes its pid from the queue.
	done := make(chan struct{})
	go func() {
		select {
		case <-kill.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if q.Verbose && strings.HasPrefix(line, MessagePrefix) {
			printer.Println(strings.TrimPrefix(line, MessagePrefix))
		}
		if line == Acquired {
			if q.Verbose {
				printer.Println("Semaphore acquired " + q.Endpoint)
			}
			var once sync.Once
			release := func() {
				once.Do(func() {
					if q.Verbose {
						printer.Println("Semaphore released " + q.Endpoint)
					}
					_ = cmd.Process.Signal(syscall.SIGTERM)
					_ = cmd.Wait()
					close(done)
					removeHelper(host, remoteBinary)
				})
			}
			return release, true, nil
		}
	}

	// EOF before acquisition: either we were killed or the helper crashed.
	waitErr := cmd.Wait()
	close(done)
	removeHelper(host, remoteBinary)
	if kill.Canceled() || waitErr == nil {
		return nil, false, errKilled
	}
	return nil, false, nil
}

// uploadHelper ships the running binary to the queue host.
func uploadHelper(host string, kill *cancel.Token) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	remote := "/tmp/kiln_semaphore_" + hex.EncodeToString(buf)
	_, err = executor.Run(executor.RunSpec{
		Command: []string{"scp", "-q", self, host + ":" + remote},
		Quiet:   true,
		Kill:    kill,
	})
	if err != nil {
		return "", fmt.Errorf("uploading semaphore helper to %s: %w", host, err)
	}
	return remote, nil
}

// removeHelper deletes an uploaded helper binary, with a fresh token so
// cleanup survives cancellation.
func removeHelper(host, remoteBinary string) {
	if host == "" || remoteBinary == "" {
		return
	}
	_, _ = executor.Run(executor.RunSpec{
		Command: []string{"ssh", host, "rm -f " + remoteBinary},
		Quiet:   true,
		Kill:    cancel.New(),
	})
}

// shellQuoteArg single-quotes a value for interpolation into the ssh
// command line.
func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ReadQueue returns the concurrency and current queue of an endpoint
// without joining it.
func ReadQueue(endpoint string) (int, []Entry, error) {
	host, filename := splitEndpoint(endpoint)
	if host == "" {
		if err := EnsureQueueFile(filename); err != nil {
			return 0, nil, err
		}
		return ReadAndUpdateQueue(filename, false, false, "")
	}
	remote, err := uploadHelper(host, cancel.New())
	if err != nil {
		return 0, nil, err
	}
	defer removeHelper(host, remote)
	out, err := executor.Run(executor.RunSpec{
		Command: []string{"ssh", host, fmt.Sprintf("%s semaphore %s --read", remote, shellQuoteArg(filename))},
		Quiet:   true,
		Kill:    cancel.New(),
	})
	if err != nil {
		return 0, nil, err
	}
	return parseReadOutput(out)
}

func parseReadOutput(raw []byte) (int, []Entry, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return 0, nil, fmt.Errorf("parsing queue read output: %q", string(raw))
	}
	var concurrency int
	var queue []Entry
	if err := json.Unmarshal(parts[0], &concurrency); err != nil {
		return 0, nil, err
	}
	if err := json.Unmarshal(parts[1], &queue); err != nil {
		return 0, nil, err
	}
	return concurrency, queue, nil
}
