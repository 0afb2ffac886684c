package capability

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCapability = errors.New("capability: unknown capability")
	ErrCapabilityExists  = errors.New("capability: capability already registered")
	ErrAdapterNil        = errors.New("capability: adapter is nil")
	ErrInvalidMetadata   = errors.New("capability: invalid adapter metadata")
	ErrNotAllowed        = errors.New("capability: capability not in allow-list")
	ErrRegistryFrozen    = errors.New("capability: registry is frozen")

	// ErrPathEscape marks a filesystem request outside the configured
	// root. Always terminal, never retried.
	ErrPathEscape = errors.New("capability: path escapes configured root")

	// ErrUnknownOperation marks an operation the adapter does not serve.
	ErrUnknownOperation = errors.New("capability: unknown operation")

	// ErrInvalidParams marks missing or malformed step parameters.
	ErrInvalidParams = errors.New("capability: invalid parameters")
)

// AdapterError carries adapter failure detail for one invocation.
type AdapterError struct {
	Capability string
	Operation  string
	Detail     string
	Err        error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Capability, e.Operation, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Capability, e.Operation, e.Detail)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError wraps err with invocation context.
func NewAdapterError(capabilityName, operation, detail string, err error) *AdapterError {
	return &AdapterError{
		Capability: capabilityName,
		Operation:  operation,
		Detail:     detail,
		Err:        err,
	}
}

// IsPathEscape reports whether err is a path-escape policy violation.
func IsPathEscape(err error) bool {
	return errors.Is(err, ErrPathEscape)
}
