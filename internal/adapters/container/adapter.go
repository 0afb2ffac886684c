package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/tools"
)

// Name is the canonical capability identifier for container operations.
const Name = "container"

const (
	defaultGrace = 15 * time.Second
	stopGraceSec = "10"
)

// Adapter drives a docker-compatible CLI (docker or podman).
type Adapter struct {
	runner tools.CommandRunner
	binary string
	grace  time.Duration
}

func New(runner tools.CommandRunner, binary string) (*Adapter, error) {
	if runner == nil {
		return nil, fmt.Errorf("container: command runner required")
	}
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "docker"
	}
	return &Adapter{runner: runner, binary: bin, grace: defaultGrace}, nil
}

func (a *Adapter) Metadata() capability.Metadata {
	return capability.Metadata{
		Name:        Name,
		Description: "Container lifecycle via a docker-compatible CLI",
		Operations: []capability.OperationSpec{
			{Name: "run", Description: "run params[image] detached as params[name], optional params[argv]"},
			{Name: "stop", Description: "stop container params[name] with a grace period", Idempotent: true},
			{Name: "pull", Description: "pull params[image]", Idempotent: true},
			{Name: "inspect", Description: "inspect container params[name]", Idempotent: true},
		},
	}
}

func (a *Adapter) Invoke(ctx context.Context, operation string, params capability.Params) (capability.Result, error) {
	op := strings.TrimSpace(operation)
	switch op {
	case "run":
		return a.runContainer(ctx, params)
	case "stop":
		name, err := requireParam(op, params, "name")
		if err != nil {
			return capability.Result{}, err
		}
		return a.run(ctx, op, []string{"stop", "--time", stopGraceSec, name})
	case "pull":
		image, err := requireParam(op, params, "image")
		if err != nil {
			return capability.Result{}, err
		}
		return a.run(ctx, op, []string{"pull", image})
	case "inspect":
		name, err := requireParam(op, params, "name")
		if err != nil {
			return capability.Result{}, err
		}
		return a.run(ctx, op, []string{"inspect", name})
	default:
		err := capability.NewAdapterError(Name, op, "unsupported operation", capability.ErrUnknownOperation)
		return capability.Result{}, err
	}
}

func (a *Adapter) runContainer(ctx context.Context, params capability.Params) (capability.Result, error) {
	image, err := requireParam("run", params, "image")
	if err != nil {
		return capability.Result{}, err
	}
	args := []string{"run", "--detach"}
	if name := strings.TrimSpace(params["name"]); name != "" {
		args = append(args, "--name", name)
	}
	args = append(args, image)
	if raw := strings.TrimSpace(params["argv"]); raw != "" {
		var argv []string
		if jsonErr := json.Unmarshal([]byte(raw), &argv); jsonErr != nil {
			wrapped := capability.NewAdapterError(Name, "run", "argv must be a JSON string array", capability.ErrInvalidParams)
			return capability.Result{}, wrapped
		}
		args = append(args, argv...)
	}
	return a.run(ctx, "run", args)
}

func (a *Adapter) run(ctx context.Context, operation string, args []string) (capability.Result, error) {
	stdout, stderr, exitCode, runErr := a.runner.Run(ctx, tools.Command{
		Name:  a.binary,
		Args:  args,
		Grace: a.grace,
	})
	result := capability.Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, capability.NewAdapterError(Name, operation, fmt.Sprintf("%s exited %d", a.binary, exitCode), runErr)
	}
	return result, nil
}

func requireParam(operation string, params capability.Params, key string) (string, error) {
	v := strings.TrimSpace(params[key])
	if v == "" {
		return "", capability.NewAdapterError(Name, operation, fmt.Sprintf("missing %s parameter", key), capability.ErrInvalidParams)
	}
	return v, nil
}
