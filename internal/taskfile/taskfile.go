// Package taskfile loads the user-authored YAML task declarations and
// lowers them onto the scheduler registry. Declaration order in the file
// is the task order of the run.
package taskfile

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/scheduler"
)

// Definition is one task as declared in the task file.
type Definition struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`

	// Executor selects where the run script executes: local (default),
	// ssh, container, or forwarded (local shell driving a remote docker
	// daemon through a forwarded socket).
	Executor        string `yaml:"executor"`
	Image           string `yaml:"image"`
	Host            string `yaml:"host"`
	MountDockerSock bool   `yaml:"mount_docker_sock"`

	// CopySource stashes the workspace and unstashes it at the executor's
	// working directory before running. Defaults to true for non-local
	// executors; the local executor already runs in the workspace.
	CopySource *bool `yaml:"copy_source"`

	RunAfter         []string `yaml:"run_after"`
	RunAlways        bool     `yaml:"run_always"`
	AcquireSemaphore []string `yaml:"acquire_semaphore"`

	// CensorEnv names environment variables whose values are masked in
	// command echoes and output.
	CensorEnv []string `yaml:"censor_env"`

	// Timeout in seconds for the run script; 0 means none.
	Timeout int `yaml:"timeout"`
}

// File is the task file root.
type File struct {
	Tasks []Definition `yaml:"tasks"`
}

const (
	executorLocal     = "local"
	executorSsh       = "ssh"
	executorContainer = "container"
	executorForwarded = "forwarded"
)

// Load parses and validates path and returns the task specs in
// declaration order.
func Load(path string, kill *cancel.Token) ([]scheduler.Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	return Parse(raw, kill)
}

// Parse decodes task declarations, rejecting unknown fields.
func Parse(raw []byte, kill *cancel.Token) ([]scheduler.Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("task file declares no tasks")
	}

	registry := scheduler.NewRegistry()
	declared := map[string]bool{}
	for _, def := range file.Tasks {
		declared[def.Name] = true
	}
	for _, def := range file.Tasks {
		if err := validate(def, declared); err != nil {
			return nil, err
		}
		def := def
		if err := registry.Register(scheduler.Spec{
			Name:             def.Name,
			RunAfter:         def.RunAfter,
			RunAlways:        def.RunAlways,
			AcquireSemaphore: def.AcquireSemaphore,
			Run:              buildRun(def, kill),
		}); err != nil {
			return nil, err
		}
	}
	return registry.Specs(), nil
}

func validate(def Definition, declared map[string]bool) error {
	if strings.TrimSpace(def.Run) == "" {
		return fmt.Errorf("task %q has an empty run script", def.Name)
	}
	switch def.Executor {
	case "", executorLocal:
		if def.Host != "" || def.Image != "" {
			return fmt.Errorf("task %q: host and image are only valid for ssh/forwarded/container executors", def.Name)
		}
	case executorSsh, executorForwarded:
		if def.Host == "" {
			return fmt.Errorf("task %q: executor %s requires host", def.Name, def.Executor)
		}
	case executorContainer:
		if def.Image == "" {
			return fmt.Errorf("task %q: executor container requires image", def.Name)
		}
	default:
		return fmt.Errorf("task %q: unknown executor %q", def.Name, def.Executor)
	}
	for _, dep := range def.RunAfter {
		if !declared[dep] {
			return fmt.Errorf("task %q: run_after references unknown task %q", def.Name, dep)
		}
	}
	return nil
}

func (d Definition) copySource() bool {
	if d.CopySource != nil {
		return *d.CopySource
	}
	return d.Executor != "" && d.Executor != executorLocal
}

// buildRun lowers a declaration into the task body: open the declared
// executor, optionally carry the workspace over as a stash, and run the
// script through it.
func buildRun(def Definition, kill *cancel.Token) scheduler.RunFunc {
	return func(ctx *scheduler.Context) error {
		exe, err := open(def, ctx, kill)
		if err != nil {
			return err
		}
		defer func() {
			if err := exe.Close(); err != nil {
				ctx.Log.Println("Error closing executor: " + err.Error())
			}
		}()

		if def.copySource() {
			local, err := executor.NewLocal(executor.WithPrinter(ctx.Log), executor.WithKill(kill))
			if err != nil {
				return err
			}
			source, err := local.Stash(".")
			if err != nil {
				return err
			}
			if err := exe.Unstash(source, ""); err != nil {
				return err
			}
		}

		opts := []executor.ShOption{}
		if len(def.CensorEnv) > 0 {
			var values []string
			for _, name := range def.CensorEnv {
				if value := os.Getenv(name); value != "" {
					values = append(values, value)
				}
			}
			opts = append(opts, executor.ShCensor(values...))
		}
		if def.Timeout > 0 {
			opts = append(opts, executor.ShTimeout(time.Duration(def.Timeout)*time.Second))
		}
		_, err = exe.Sh(def.Run, opts...)
		return err
	}
}

func open(def Definition, ctx *scheduler.Context, kill *cancel.Token) (executor.Executor, error) {
	common := []executor.Option{executor.WithPrinter(ctx.Log), executor.WithKill(kill)}
	switch def.Executor {
	case "", executorLocal:
		return executor.NewLocal(common...)
	case executorSsh:
		return executor.NewSsh(def.Host, append(common, executor.WithTempPath())...)
	case executorContainer:
		return executor.NewLocalContainer(def.Image, def.MountDockerSock, append(common, executor.WithTempPath())...)
	case executorForwarded:
		return executor.NewLocalWithForwardedDockerSock(def.Host, append(common, executor.WithTempPath())...)
	default:
		return nil, fmt.Errorf("unknown executor %q", def.Executor)
	}
}
