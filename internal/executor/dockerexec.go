package executor

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kilnci/kiln/internal/cancel"
)

// magicString is printed by the wrapped in-container command so the runner
// can learn the pid of the process actually running inside the container.
const magicString = "MAGICSTRING"

// dockerExecFallbackDelay is how long the last-resort reaper waits before
// signalling the docker exec front-end itself, leaving the in-container
// kill path time to work first.
const dockerExecFallbackDelay = 25 * time.Second

// DockerExecSpec describes a command run inside a container via docker exec.
type DockerExecSpec struct {
	Command   string   // shell command executed with /bin/bash -ce inside the container
	Container string   // container name
	Options   []string // extra docker exec options, e.g. --workdir
	Env       []string
	Printer   Printer
	Prefix    string
	Censor    []string
	Output    chan<- string
	Kill      *cancel.Token
	Timeout   time.Duration
}

func (spec *DockerExecSpec) printer() Printer {
	if spec.Printer == nil {
		return Stdout
	}
	return spec.Printer
}

// RunDockerExec runs a command inside a container with docker exec.
//
// Signals sent to the docker exec front-end do not reach the in-container
// process (moby#9098), which would leave it running until container
// teardown kills it uncleanly with SIGKILL. To get deterministic
// termination the command is wrapped to print "MAGICSTRING <pid>" first;
// the kill path then runs `docker exec <c> kill -SIG -- -<pid>` against the
// in-container process group, with a delayed signal to the front-end as a
// last resort.
func RunDockerExec(spec DockerExecSpec) ([]byte, error) {
	kill := spec.Kill
	if kill == nil {
		kill = cancel.New()
	}
	if kill.Canceled() {
		return nil, &ProcessError{Message: "process start cancelled", ExitCode: -1}
	}

	argv := append([]string{"docker", "exec"}, spec.Options...)
	for _, env := range spec.Env {
		argv = append(argv, "--env", env)
	}
	argv = append(argv, spec.Container, "/bin/bash", "-ce", "echo "+magicString+" $$\n"+spec.Command)

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: fmt.Sprintf("process start failed: %v", err), ExitCode: -1}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Message: fmt.Sprintf("process start failed: %v", err), ExitCode: -1}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Message: fmt.Sprintf("process start failed: %v", err), ExitCode: -1}
	}

	exited := make(chan struct{})

	// Last resort: signal the docker exec client itself, delayed so the
	// in-container kill path gets to act first.
	go reapOnKill(exited, kill, spec.Timeout, dockerExecFallbackDelay,
		func() { _ = cmd.Process.Signal(syscall.SIGTERM) },
		func() { _ = cmd.Process.Kill() },
		spec.printer(), spec.Prefix)

	br := bufio.NewReader(stdout)
	firstLine, err := br.ReadString('\n')
	if err != nil && firstLine == "" {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		close(exited)
		return nil, &ProcessError{Message: "error reading pid line from docker exec", ExitCode: -1}
	}
	pid, perr := parseMagicLine(firstLine)
	if perr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		close(exited)
		return nil, &ProcessError{Message: perr.Error(), ExitCode: -1}
	}

	// Kill the process group inside the container; negative pid addresses
	// the group so subprocesses are included. Fresh tokens keep these
	// signalling commands alive during global cancellation.
	pgid := strconv.Itoa(-pid)
	go reapOnKill(exited, kill, spec.Timeout, 0,
		func() {
			_, _ = Run(RunSpec{
				Command: []string{"docker", "exec", spec.Container, "kill", "-SIGTERM", "--", pgid},
				Quiet:   true,
				Kill:    cancel.New(),
			})
		},
		func() {
			_, _ = Run(RunSpec{
				Command: []string{"docker", "exec", spec.Container, "kill", "-SIGKILL", "--", pgid},
				Quiet:   true,
				Kill:    cancel.New(),
			})
		},
		spec.printer(), spec.Prefix)

	runSpec := RunSpec{
		Quiet:   false,
		Printer: spec.Printer,
		Prefix:  spec.Prefix,
		Censor:  spec.Censor,
	}
	var wg sync.WaitGroup
	var outBuf, errBuf []byte
	wg.Add(2)
	go func() {
		defer wg.Done()
		outBuf = drainStream(br, &runSpec, spec.Output)
	}()
	go func() {
		defer wg.Done()
		errBuf = drainStream(stderr, &runSpec, nil)
	}()
	wg.Wait()
	waitErr := cmd.Wait()
	close(exited)

	if waitErr != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			code = ee.ExitCode()
		}
		return nil, &ProcessError{
			Message:  fmt.Sprintf("exit code: %d", code),
			ExitCode: code,
			Stdout:   outBuf,
			Stderr:   errBuf,
		}
	}
	return outBuf, nil
}

// parseMagicLine extracts the in-container pid from "MAGICSTRING <pid>".
func parseMagicLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != magicString {
		return 0, fmt.Errorf("error parsing pid from first line: %q", strings.TrimSpace(line))
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing pid from first line: %q", strings.TrimSpace(line))
	}
	return pid, nil
}
