// Package tasks holds the task kinds the service can run.
//
// A Definition validates start parameters, performs the work while
// publishing progress, and turns the stored result into the finalize
// response.
package tasks

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/cuongbtq/taskpoll/internal/domain"
)

// ProgressFunc publishes progress. A non-nil error aborts the run.
type ProgressFunc func(current, total int) error

// Definition describes one task kind.
type Definition interface {
	// Kind is the name used in start URLs.
	Kind() string
	// Parse validates start parameters and returns their stored JSON form.
	// Rejections are reported as *domain.ParamError.
	Parse(form url.Values) ([]byte, error)
	// Run performs the work and returns the result JSON.
	Run(ctx context.Context, params []byte, progress ProgressFunc) ([]byte, error)
	// Finalize builds the finalize response for a successful task.
	Finalize(task *domain.Task) (any, error)
}

// Renderer is implemented by kinds whose result can be downloaded as a file.
type Renderer interface {
	Render(task *domain.Task) (contentType, filename string, body []byte, err error)
}

// Registry maps kinds to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry holding defs.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, def := range defs {
		r.Register(def)
	}
	return r
}

// Default returns a registry with the built-in kinds.
func Default() *Registry {
	return NewRegistry(NewReport(), NewGraph())
}

// Register adds def. It panics if the kind is already registered.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.defs[def.Kind()]; dup {
		panic(fmt.Sprintf("tasks: kind %q registered twice", def.Kind()))
	}
	r.defs[def.Kind()] = def
}

// Lookup returns the definition for kind.
func (r *Registry) Lookup(kind string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return def, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
