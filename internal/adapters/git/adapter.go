package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/tools"
)

// Name is the canonical capability identifier for git operations.
const Name = "git"

const defaultGrace = 10 * time.Second

// Adapter drives the git binary against repositories under the
// workspace root. params[repo] names the working tree directory,
// always resolved relative to the root.
type Adapter struct {
	runner tools.CommandRunner
	binary string
	root   string
	grace  time.Duration
}

func New(runner tools.CommandRunner, root string) (*Adapter, error) {
	if runner == nil {
		return nil, fmt.Errorf("git: command runner required")
	}
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, err
	}
	return &Adapter{runner: runner, binary: "git", root: abs, grace: defaultGrace}, nil
}

func (a *Adapter) Metadata() capability.Metadata {
	return capability.Metadata{
		Name:        Name,
		Description: "Git repository operations under the workspace root",
		Operations: []capability.OperationSpec{
			{Name: "clone", Description: "clone params[url] into params[repo], optional params[ref]"},
			{Name: "fetch", Description: "fetch remotes in params[repo]", Idempotent: true},
			{Name: "checkout", Description: "checkout params[ref] in params[repo]"},
			{Name: "status", Description: "porcelain status of params[repo]", Idempotent: true},
			{Name: "log", Description: "recent history of params[repo], optional params[limit]", Idempotent: true},
		},
	}
}

func (a *Adapter) Invoke(ctx context.Context, operation string, params capability.Params) (capability.Result, error) {
	op := strings.TrimSpace(operation)
	switch op {
	case "clone":
		return a.clone(ctx, params)
	case "fetch":
		return a.inRepo(ctx, params, "fetch", "--all", "--prune")
	case "checkout":
		ref := strings.TrimSpace(params["ref"])
		if ref == "" {
			err := capability.NewAdapterError(Name, op, "missing ref parameter", capability.ErrInvalidParams)
			return capability.Result{}, err
		}
		return a.inRepo(ctx, params, "checkout", ref)
	case "status":
		return a.inRepo(ctx, params, "status", "--porcelain=v1")
	case "log":
		limit := strings.TrimSpace(params["limit"])
		if limit == "" {
			limit = "20"
		}
		return a.inRepo(ctx, params, "log", "--oneline", "-n", limit)
	default:
		err := capability.NewAdapterError(Name, op, "unsupported operation", capability.ErrUnknownOperation)
		return capability.Result{}, err
	}
}

func (a *Adapter) clone(ctx context.Context, params capability.Params) (capability.Result, error) {
	url := strings.TrimSpace(params["url"])
	if url == "" {
		err := capability.NewAdapterError(Name, "clone", "missing url parameter", capability.ErrInvalidParams)
		return capability.Result{}, err
	}
	dest, err := a.resolveRepo("clone", params["repo"])
	if err != nil {
		return capability.Result{}, err
	}
	args := []string{"clone"}
	if ref := strings.TrimSpace(params["ref"]); ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url, dest)
	return a.run(ctx, "clone", a.root, args)
}

func (a *Adapter) inRepo(ctx context.Context, params capability.Params, args ...string) (capability.Result, error) {
	repo, err := a.resolveRepo(args[0], params["repo"])
	if err != nil {
		return capability.Result{}, err
	}
	return a.run(ctx, args[0], repo, args)
}

func (a *Adapter) run(ctx context.Context, operation, dir string, args []string) (capability.Result, error) {
	stdout, stderr, exitCode, runErr := a.runner.Run(ctx, tools.Command{
		Name:  a.binary,
		Args:  args,
		Dir:   dir,
		Grace: a.grace,
	})
	result := capability.Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, capability.NewAdapterError(Name, operation, fmt.Sprintf("git exited %d", exitCode), runErr)
	}
	return result, nil
}

func (a *Adapter) resolveRepo(operation, repoArg string) (string, error) {
	rel := strings.TrimSpace(repoArg)
	if rel == "" {
		return "", capability.NewAdapterError(Name, operation, "missing repo parameter", capability.ErrInvalidParams)
	}
	if filepath.IsAbs(rel) {
		return "", capability.NewAdapterError(Name, operation, fmt.Sprintf("absolute repo path %q", rel), capability.ErrPathEscape)
	}
	dir := filepath.Clean(filepath.Join(a.root, rel))
	if !isWithin(dir, a.root) {
		return "", capability.NewAdapterError(Name, operation, fmt.Sprintf("repo path %q", rel), capability.ErrPathEscape)
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
