package executor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kilnci/kiln/internal/cancel"
)

// LocalContainer runs commands inside a locally launched container. The
// container is started on construction with a cat process as PID 1 so it
// idles until removed on Close.
type LocalContainer struct {
	base
	image       string
	mountDocker bool
	name        string
}

// NewLocalContainer launches a container from image. With mountDocker the
// host docker socket is mounted so tasks can drive the local daemon.
func NewLocalContainer(image string, mountDocker bool, opts ...Option) (*LocalContainer, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	c := &LocalContainer{
		base:        b,
		image:       image,
		mountDocker: mountDocker,
		name:        "exe_" + hex.EncodeToString(buf),
	}

	mountOpt := ""
	if mountDocker {
		mountOpt = "-v /var/run/docker.sock:/var/run/docker.sock"
	}
	command := fmt.Sprintf("docker run --rm --name %s %s -t -d %s /bin/bash -c cat",
		shellQuote(c.name), mountOpt, shellQuote(image))
	printCommand(c.printer, command, nil)
	// Fresh token: a half-started container would otherwise leak on cancellation.
	if _, err := localShell(".", command, shParams{kill: cancel.New()}, c.printer); err != nil {
		return nil, err
	}

	if b.temp {
		dir, err := mkTempDir(c)
		if err != nil {
			c.removeContainer()
			return nil, err
		}
		c.dir = dir
	}
	return c, nil
}

// Name returns the container name.
func (c *LocalContainer) Name() string {
	return c.name
}

func (c *LocalContainer) Sh(command string, opts ...ShOption) ([]byte, error) {
	p := c.resolveSh(opts)
	printCommand(c.printer, command, p.censor)
	var options []string
	if c.dir != "" && c.dir != "." {
		options = []string{"--workdir", c.dir}
	}
	return RunDockerExec(DockerExecSpec{
		Command:   command,
		Container: c.name,
		Options:   options,
		Env:       p.env,
		Printer:   c.printer,
		Censor:    p.censor,
		Output:    p.output,
		Kill:      p.kill,
		Timeout:   p.timeout,
	})
}

// chownToContainerUser hands a copied-in file to the image's default user;
// docker cp preserves host ownership, which the task user may not read.
func (c *LocalContainer) chownToContainerUser(containerPath string) error {
	out, err := c.Sh("whoami")
	if err != nil {
		return err
	}
	user := strings.TrimSpace(string(out))
	command := fmt.Sprintf("chown %s:%s %s", shellQuote(user), shellQuote(user), shellQuote(containerPath))
	printCommand(c.printer, command, nil)
	_, err = Run(RunSpec{
		Command: []string{"docker", "exec", "--user", "root", c.name, "/bin/bash", "-ce", command},
		Printer: c.printer,
		Kill:    c.kill,
	})
	return err
}

func (c *LocalContainer) Stash(pathGlob string) (*Stash, error) {
	containerPath, err := tarToTmp(c, pathGlob)
	if err != nil {
		return nil, err
	}
	localPath := randomTmpPath()
	command := fmt.Sprintf("docker cp %s:%s %s", shellQuote(c.name), shellQuote(containerPath), shellQuote(localPath))
	printCommand(c.printer, command, nil)
	_, cpErr := localShell(".", command, shParams{kill: c.kill}, c.printer)
	if err := shRemoveTmpFile(c, containerPath); err != nil && cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		return nil, cpErr
	}
	registerStashForCleanup(localPath)
	return &Stash{Path: localPath}, nil
}

func (c *LocalContainer) Unstash(stash *Stash, specificFile string) error {
	containerPath := randomTmpPath()
	command := fmt.Sprintf("docker cp %s %s:%s", shellQuote(stash.Path), shellQuote(c.name), shellQuote(containerPath))
	printCommand(c.printer, command, nil)
	if _, err := localShell(".", command, shParams{kill: c.kill}, c.printer); err != nil {
		return err
	}
	if err := c.chownToContainerUser(containerPath); err != nil {
		return err
	}
	untarErr := untarToCwd(c, containerPath, specificFile)
	if err := shRemoveTmpFile(c, containerPath); err != nil && untarErr == nil {
		untarErr = err
	}
	return untarErr
}

func (c *LocalContainer) removeContainer() {
	command := "docker rm -f " + shellQuote(c.name)
	printCommand(c.printer, command, nil)
	_, _ = localShell(".", command, shParams{kill: cancel.New(), quiet: true}, c.printer)
}

func (c *LocalContainer) Close() error {
	var err error
	if c.temp {
		err = shRemoveTmpDir(c, c.dir)
	}
	c.removeContainer()
	return err
}
