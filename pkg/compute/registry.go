// Package compute exposes the module's operator surface: a registry of named
// operations and the bounds check operator served under its two historical
// namespaces.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one operation against its raw query payload and returns
// the serialized result.
type Handler func(ctx context.Context, query json.RawMessage) ([]byte, error)

// UnknownOpError reports a dispatch against an operation nobody registered.
type UnknownOpError struct {
	Op string
}

func (e *UnknownOpError) Error() string {
	if e == nil {
		return "unknown operation"
	}
	return fmt.Sprintf("unknown operation %q", e.Op)
}

// Registry maps fully qualified operation names to handlers. Safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Handler)}
}

// Register installs h under name. Registering an empty name, a nil handler,
// or a name already taken is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("register operation: empty name")
	}
	if h == nil {
		return fmt.Errorf("register operation %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[name]; ok {
		return fmt.Errorf("operation %q already registered", name)
	}
	r.ops[name] = h
	return nil
}

// Alias installs a second name for an already registered operation.
func (r *Registry) Alias(alias, target string) error {
	if alias == "" {
		return fmt.Errorf("alias operation: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.ops[target]
	if !ok {
		return fmt.Errorf("alias %q: unknown target operation %q", alias, target)
	}
	if _, ok := r.ops[alias]; ok {
		return fmt.Errorf("operation %q already registered", alias)
	}
	r.ops[alias] = h
	return nil
}

// Dispatch runs the named operation. Unknown names return *UnknownOpError.
func (r *Registry) Dispatch(ctx context.Context, name string, query json.RawMessage) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownOpError{Op: name}
	}
	return h(ctx, query)
}

// Ops returns the registered operation names, aliases included, sorted.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
