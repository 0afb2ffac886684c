package fs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ploston/runner/internal/capability"
)

// Name is the canonical capability identifier for filesystem access.
const Name = "fs"

// Adapter is a filesystem capability bounded to a configured root.
// Every path parameter resolves relative to the root; absolute paths
// and escapes are rejected before any mutation.
type Adapter struct {
	root string
}

func New(root string) (*Adapter, error) {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		return nil, fmt.Errorf("fs: workspace root required")
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, err
	}
	return &Adapter{root: abs}, nil
}

func (a *Adapter) Root() string {
	return a.root
}

func (a *Adapter) Metadata() capability.Metadata {
	return capability.Metadata{
		Name:        Name,
		Description: "Filesystem access bounded to the workspace root",
		Operations: []capability.OperationSpec{
			{Name: "read", Description: "read file content at params[path]", Idempotent: true},
			{Name: "write", Description: "write params[content] to params[path]"},
			{Name: "delete", Description: "delete file at params[path]", Idempotent: true},
			{Name: "mkdir", Description: "create directory at params[path]", Idempotent: true},
			{Name: "list", Description: "list files under root, optional params[prefix]", Idempotent: true},
			{Name: "stat", Description: "report size and mode for params[path]", Idempotent: true},
		},
	}
}

func (a *Adapter) Invoke(ctx context.Context, operation string, params capability.Params) (capability.Result, error) {
	if err := ctx.Err(); err != nil {
		return capability.Result{}, err
	}
	switch strings.TrimSpace(operation) {
	case "read":
		return a.read(params)
	case "write":
		return a.write(params)
	case "delete":
		return a.delete(params)
	case "mkdir":
		return a.mkdir(params)
	case "list":
		return a.list(params)
	case "stat":
		return a.stat(params)
	default:
		err := capability.NewAdapterError(Name, operation, "unsupported operation", capability.ErrUnknownOperation)
		return errorResult(err), err
	}
}

func (a *Adapter) read(params capability.Params) (capability.Result, error) {
	p, err := a.resolvePath("read", params["path"])
	if err != nil {
		return errorResult(err), err
	}
	out, err := os.ReadFile(p)
	if err != nil {
		wrapped := capability.NewAdapterError(Name, "read", "read file", err)
		return errorResult(wrapped), wrapped
	}
	return capability.Result{Stdout: out, ExitCode: 0}, nil
}

func (a *Adapter) write(params capability.Params) (capability.Result, error) {
	p, err := a.resolvePath("write", params["path"])
	if err != nil {
		return errorResult(err), err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		wrapped := capability.NewAdapterError(Name, "write", "create parent dir", err)
		return errorResult(wrapped), wrapped
	}
	if err := os.WriteFile(p, []byte(params["content"]), 0o644); err != nil {
		wrapped := capability.NewAdapterError(Name, "write", "write file", err)
		return errorResult(wrapped), wrapped
	}
	return okResult("ok\n"), nil
}

func (a *Adapter) delete(params capability.Params) (capability.Result, error) {
	p, err := a.resolvePath("delete", params["path"])
	if err != nil {
		return errorResult(err), err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		wrapped := capability.NewAdapterError(Name, "delete", "remove file", err)
		return errorResult(wrapped), wrapped
	}
	return okResult("ok\n"), nil
}

func (a *Adapter) mkdir(params capability.Params) (capability.Result, error) {
	p, err := a.resolvePath("mkdir", params["path"])
	if err != nil {
		return errorResult(err), err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		wrapped := capability.NewAdapterError(Name, "mkdir", "create dir", err)
		return errorResult(wrapped), wrapped
	}
	return okResult("ok\n"), nil
}

func (a *Adapter) list(params capability.Params) (capability.Result, error) {
	prefix := strings.TrimSpace(params["prefix"])
	keys := make([]string, 0)
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		// A partial listing is worse than an error; the caller cannot
		// tell missing entries from an empty workspace.
		wrapped := capability.NewAdapterError(Name, "list", "walk workspace", err)
		return errorResult(wrapped), wrapped
	}
	sort.Strings(keys)
	return okResult(strings.Join(keys, "\n") + "\n"), nil
}

func (a *Adapter) stat(params capability.Params) (capability.Result, error) {
	p, err := a.resolvePath("stat", params["path"])
	if err != nil {
		return errorResult(err), err
	}
	info, err := os.Stat(p)
	if err != nil {
		wrapped := capability.NewAdapterError(Name, "stat", "stat file", err)
		return errorResult(wrapped), wrapped
	}
	return capability.Result{
		ExitCode: 0,
		Output: map[string]string{
			"size": fmt.Sprintf("%d", info.Size()),
			"mode": info.Mode().String(),
			"dir":  fmt.Sprintf("%t", info.IsDir()),
		},
	}, nil
}

func (a *Adapter) resolvePath(operation, pathArg string) (string, error) {
	rel := strings.TrimSpace(pathArg)
	if rel == "" {
		return "", capability.NewAdapterError(Name, operation, "missing path parameter", capability.ErrInvalidParams)
	}
	if filepath.IsAbs(rel) {
		return "", capability.NewAdapterError(Name, operation, fmt.Sprintf("absolute path %q", rel), capability.ErrPathEscape)
	}
	p := filepath.Clean(filepath.Join(a.root, rel))
	if !isWithin(p, a.root) {
		return "", capability.NewAdapterError(Name, operation, fmt.Sprintf("path %q", rel), capability.ErrPathEscape)
	}
	return p, nil
}

func isWithin(path, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}

func okResult(stdout string) capability.Result {
	return capability.Result{Stdout: []byte(stdout), ExitCode: 0}
}

func errorResult(err error) capability.Result {
	return capability.Result{Stderr: []byte(err.Error() + "\n"), ExitCode: 1}
}
