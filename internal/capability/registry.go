package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Registry stores adapters by stable capability name. Registration
// happens once at startup; after Freeze the registry is read-only and
// safe for unsynchronized concurrent reads.
type Registry struct {
	items   map[string]Adapter
	allowed map[string]struct{}
	frozen  bool
}

// NewRegistry creates an empty registry. An empty allow-list permits
// every capability; otherwise registration is rejected for names not
// listed.
func NewRegistry(allowList []string) *Registry {
	r := &Registry{items: make(map[string]Adapter)}
	if len(allowList) > 0 {
		r.allowed = make(map[string]struct{}, len(allowList))
		for _, name := range allowList {
			name = strings.TrimSpace(name)
			if name != "" {
				r.allowed[name] = struct{}{}
			}
		}
	}
	return r
}

// ValidateMetadata checks required metadata fields and name format.
func ValidateMetadata(meta Metadata) error {
	name := strings.TrimSpace(meta.Name)
	desc := strings.TrimSpace(meta.Description)
	if name == "" || desc == "" {
		return fmt.Errorf("%w: name and description are required", ErrInvalidMetadata)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name format %q", ErrInvalidMetadata, name)
	}
	if len(meta.Operations) == 0 {
		return fmt.Errorf("%w: %q declares no operations", ErrInvalidMetadata, name)
	}
	return nil
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	if adapter == nil {
		return ErrAdapterNil
	}
	meta := adapter.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	if r.allowed != nil {
		if _, ok := r.allowed[meta.Name]; !ok {
			return fmt.Errorf("%w: %q", ErrNotAllowed, meta.Name)
		}
	}
	if _, ok := r.items[meta.Name]; ok {
		return fmt.Errorf("%w: %q", ErrCapabilityExists, meta.Name)
	}
	r.items[meta.Name] = adapter
	return nil
}

// Freeze marks startup registration complete.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Resolve returns the adapter for name.
func (r *Registry) Resolve(name string) (Adapter, error) {
	adapter, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return adapter, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.items[strings.TrimSpace(name)]
	return ok
}

// Names returns registered capability names in deterministic order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListMetadata returns deterministic metadata ordering by name.
func (r *Registry) ListMetadata() []Metadata {
	list := make([]Metadata, 0, len(r.items))
	for _, adapter := range r.items {
		list = append(list, adapter.Metadata())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
