package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/tools"
)

// Name is the canonical capability identifier for shell execution.
const Name = "shell"

const defaultGrace = 5 * time.Second

// Adapter executes argv-based commands inside the workspace root.
// params[argv] is a JSON string array; shell-string interpolation is
// never performed.
type Adapter struct {
	runner tools.CommandRunner
	root   string
	grace  time.Duration
}

func New(runner tools.CommandRunner, root string) (*Adapter, error) {
	if runner == nil {
		return nil, fmt.Errorf("shell: command runner required")
	}
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, err
	}
	return &Adapter{runner: runner, root: abs, grace: defaultGrace}, nil
}

func (a *Adapter) Metadata() capability.Metadata {
	return capability.Metadata{
		Name:        Name,
		Description: "Argv-based command execution inside the workspace root",
		Operations: []capability.OperationSpec{
			{Name: "exec", Description: "run params[argv] (JSON array), optional params[cwd] under root"},
		},
	}
}

func (a *Adapter) Invoke(ctx context.Context, operation string, params capability.Params) (capability.Result, error) {
	if strings.TrimSpace(operation) != "exec" {
		err := capability.NewAdapterError(Name, operation, "unsupported operation", capability.ErrUnknownOperation)
		return capability.Result{}, err
	}

	argv, err := parseArgv(params["argv"])
	if err != nil {
		return capability.Result{}, err
	}
	dir, err := a.resolveDir(params["cwd"])
	if err != nil {
		return capability.Result{}, err
	}
	env, err := filterEnv(params["env"])
	if err != nil {
		return capability.Result{}, err
	}

	stdout, stderr, exitCode, runErr := a.runner.Run(ctx, tools.Command{
		Name:  argv[0],
		Args:  argv[1:],
		Dir:   dir,
		Env:   env,
		Grace: a.grace,
	})
	result := capability.Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, capability.NewAdapterError(Name, "exec", fmt.Sprintf("%s exited %d", argv[0], exitCode), runErr)
	}
	return result, nil
}

func parseArgv(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, capability.NewAdapterError(Name, "exec", "missing argv parameter", capability.ErrInvalidParams)
	}
	var argv []string
	if err := json.Unmarshal([]byte(trimmed), &argv); err != nil {
		return nil, capability.NewAdapterError(Name, "exec", "argv must be a JSON string array", capability.ErrInvalidParams)
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, capability.NewAdapterError(Name, "exec", "argv is empty", capability.ErrInvalidParams)
	}
	return argv, nil
}

// filterEnv builds the child environment from params[env], a JSON
// array of host variable names to pass through. Absent means the child
// inherits the full runner environment.
func filterEnv(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(trimmed), &names); err != nil {
		return nil, capability.NewAdapterError(Name, "exec", "env must be a JSON string array", capability.ErrInvalidParams)
	}
	env := make([]string, 0, len(names))
	for _, name := range names {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env, nil
}

func (a *Adapter) resolveDir(cwdArg string) (string, error) {
	rel := strings.TrimSpace(cwdArg)
	if rel == "" {
		return a.root, nil
	}
	if filepath.IsAbs(rel) {
		return "", capability.NewAdapterError(Name, "exec", fmt.Sprintf("absolute cwd %q", rel), capability.ErrPathEscape)
	}
	dir := filepath.Clean(filepath.Join(a.root, rel))
	if !isWithin(dir, a.root) {
		return "", capability.NewAdapterError(Name, "exec", fmt.Sprintf("cwd %q", rel), capability.ErrPathEscape)
	}
	return dir, nil
}

func isWithin(path, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}
