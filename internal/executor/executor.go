// Package executor runs shell commands locally, over SSH, or inside
// containers, and moves file trees between those locations as stashes.
// Every variant executes through /bin/bash -ce with the working directory
// applied via cd (docker exec --workdir for containers), echoes commands
// before running them, and honours the
// cancellation token it was constructed with.
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilnci/kiln/internal/cancel"
)

// Executor is a scoped handle bound to a working directory. Close releases
// whatever the constructor set up (temp dir, container, ssh tunnel) and
// must run on every exit path, including cancellation.
type Executor interface {
	Sh(command string, opts ...ShOption) ([]byte, error)
	Stash(pathGlob string) (*Stash, error)
	Unstash(stash *Stash, specificFile string) error
	WorkDir() string
	Close() error
}

type base struct {
	dir     string
	temp    bool
	printer Printer
	kill    *cancel.Token
}

// Option configures an executor at construction time.
type Option func(*base)

// WithWorkDir binds the executor to an existing directory.
func WithWorkDir(dir string) Option {
	return func(b *base) { b.dir = dir }
}

// WithTempPath creates a random /tmp/exe_<32-hex> working directory on
// construction and removes it on Close.
func WithTempPath() Option {
	return func(b *base) { b.temp = true }
}

// WithPrinter routes command echoes and process output through p.
func WithPrinter(p Printer) Option {
	return func(b *base) { b.printer = p }
}

// WithKill sets the default cancellation token for commands run by this
// executor. Cleanup commands always use fresh tokens regardless.
func WithKill(t *cancel.Token) Option {
	return func(b *base) { b.kill = t }
}

func newBase(opts []Option) (base, error) {
	b := base{dir: "."}
	explicit := b.dir
	for _, opt := range opts {
		opt(&b)
	}
	if b.temp && b.dir != explicit {
		return base{}, errors.New("incompatible arguments: work dir and temp path")
	}
	if b.printer == nil {
		b.printer = Stdout
	}
	if b.kill == nil {
		b.kill = cancel.New()
	}
	return b, nil
}

func (b *base) WorkDir() string {
	return b.dir
}

// shParams carries the per-call options of Sh.
type shParams struct {
	censor  []string
	kill    *cancel.Token
	timeout time.Duration
	output  chan<- string
	env     []string
	quiet   bool
}

// ShOption configures a single Sh invocation.
type ShOption func(*shParams)

// ShCensor replaces the given literal substrings with ******** in the
// command echo and every output line.
func ShCensor(items ...string) ShOption {
	return func(p *shParams) { p.censor = append(p.censor, items...) }
}

// ShKill overrides the executor's cancellation token for this call.
func ShKill(t *cancel.Token) ShOption {
	return func(p *shParams) { p.kill = t }
}

// ShTimeout sets an absolute timeout for this call.
func ShTimeout(d time.Duration) ShOption {
	return func(p *shParams) { p.timeout = d }
}

// ShOutput enqueues output lines to ch instead of printing them.
func ShOutput(ch chan<- string) ShOption {
	return func(p *shParams) { p.output = ch }
}

// ShEnv appends KEY=VALUE entries to the child environment. For Ssh the
// entries are set on the local ssh client process; they are not passed on
// to the remote command.
func ShEnv(env ...string) ShOption {
	return func(p *shParams) { p.env = append(p.env, env...) }
}

// ShQuiet suppresses printing of output lines. LocalContainer ignores it:
// its commands always print their output.
func ShQuiet() ShOption {
	return func(p *shParams) { p.quiet = true }
}

func (b *base) resolveSh(opts []ShOption) shParams {
	p := shParams{kill: b.kill}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// localShell runs a command through the local bash with the cd prefix.
func localShell(dir, command string, p shParams, printer Printer) ([]byte, error) {
	full := []string{"/bin/bash", "-ce", fmt.Sprintf("cd %s && /bin/bash -ce %s", shellQuote(orDot(dir)), shellQuote(command))}
	return Run(RunSpec{
		Command: full,
		Env:     p.env,
		Quiet:   p.quiet,
		Printer: printer,
		Censor:  p.censor,
		Output:  p.output,
		Kill:    p.kill,
		Timeout: p.timeout,
	})
}

func orDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// shell is the slice of Executor the shared helpers need.
type shell interface {
	Sh(command string, opts ...ShOption) ([]byte, error)
}

// tarToTmp archives the glob on the executor's side into a fresh /tmp tar.
func tarToTmp(e shell, pathGlob string) (string, error) {
	path := randomTmpPath()
	if _, err := e.Sh(fmt.Sprintf("tar --gzip --create --file %s %s", shellQuote(path), shellQuote(pathGlob))); err != nil {
		return "", err
	}
	return path, nil
}

// untarToCwd extracts a tar at the executor's working directory.
func untarToCwd(e shell, tarPath, specificFile string) error {
	command := fmt.Sprintf("tar --extract --gzip --file %s", shellQuote(tarPath))
	if specificFile != "" {
		command += " " + shellQuote(specificFile)
	}
	_, err := e.Sh(command)
	return err
}

// shRemoveTmpFile deletes a /tmp file on the executor's side. A fresh
// token keeps the cleanup alive during global cancellation.
func shRemoveTmpFile(e shell, path string) error {
	if err := assertPathInTmp(path); err != nil {
		return err
	}
	_, err := e.Sh("rm "+shellQuote(path), ShKill(cancel.New()))
	return err
}

// shRemoveTmpDir deletes a /tmp directory on the executor's side.
func shRemoveTmpDir(e shell, path string) error {
	if err := assertPathInTmp(path); err != nil {
		return err
	}
	_, err := e.Sh("rm -r "+shellQuote(path), ShKill(cancel.New()))
	return err
}

// mkTempDir creates a random /tmp working directory on the executor's side.
func mkTempDir(e shell) (string, error) {
	dir := randomTmpPath()
	if _, err := e.Sh("mkdir "+shellQuote(dir), ShKill(cancel.New())); err != nil {
		return "", err
	}
	return dir, nil
}
