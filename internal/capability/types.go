package capability

import "context"

// Params are the step parameters handed to one adapter invocation.
type Params map[string]string

// Result is the deterministic outcome shape of one invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
	Output   map[string]string
}

// OperationSpec declares one supported adapter operation.
type OperationSpec struct {
	Name        string
	Description string
	Idempotent  bool
}

// Metadata is the contract for adapter identity and display data.
type Metadata struct {
	Name        string
	Description string
	Operations  []OperationSpec
}

// Adapter is the local-capability boundary invoked by workflow steps.
// Cancellation is cooperative: adapters must react to ctx cancellation
// and return before their grace period expires.
type Adapter interface {
	Metadata() Metadata
	Invoke(ctx context.Context, operation string, params Params) (Result, error)
}
