package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// Command is one argv-based local process invocation. Argv execution
// only; no shell-string interpolation anywhere in the runner.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Grace time.Duration
}

// CommandRunner abstracts local process execution for tool adapters.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host via os/exec.
type ExecRunner struct{}

// Run executes cmd, honoring ctx cancellation. On cancel the process
// receives SIGTERM and is killed only after the grace period.
func (r ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, []byte, int32, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	if cmd.Grace > 0 {
		c.WaitDelay = cmd.Grace
	}

	err := c.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}
