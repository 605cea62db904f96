package registry

import (
	"sort"
	"sync"

	"github.com/transitsuite/tspjob/internal/domain"
)

/*
Registry is the authoritative catalog of job definitions for a running
process (spec.md §4.1).

Purpose:
  - Map a job name to its JobDefinition (schedule, input schema, retry
    policy, handler) exactly once.
  - Provide a concurrency-safe, read-mostly lookup surface for the
    Dispatcher and Worker Pool.
  - Make mis-registration (duplicate name, malformed definition) a fatal,
    explicit startup error rather than silently picking one.

Indirection is intentional: the Dispatcher and Worker Pool never know a
job's implementation, only its name. That decouples scheduling from
handler code and lets the in-process worker and the Temporal-backed
worker share one catalog.
*/
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*domain.JobDefinition
}

// New constructs an empty catalog.
func New() *Registry {
	return &Registry{definitions: make(map[string]*domain.JobDefinition)}
}

/*
Register validates and adds a definition to the catalog.

Rejects:
  - domain.ErrDuplicateName if a definition with the same name already
    exists.
  - domain.ErrInvalidDefinition if the schedule is ill-formed, the timeout
    is non-positive, the retry policy is inconsistent, or input_schema
    contains duplicate parameter names (see JobDefinition.Validate).
*/
func (r *Registry) Register(def *domain.JobDefinition) error {
	if def == nil {
		return domain.ErrInvalidDefinitionf("nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Handler == nil {
		return domain.ErrInvalidDefinitionf("handler is nil for job %q", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Name]; exists {
		return domain.ErrDuplicateNamef("job %q is already registered", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// Lookup returns the definition for name, or domain.ErrUnknownJob.
func (r *Registry) Lookup(name string) (*domain.JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	if !ok {
		return nil, domain.ErrUnknownJobf("job %q is not registered", name)
	}
	return def, nil
}

// List returns a snapshot of every definition, ordered by name.
func (r *Registry) List() []*domain.JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.JobDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

/*
Reload atomically replaces the whole catalog. In-flight runs are
unaffected because the Dispatcher caches the definition snapshot it used
at lease acquisition (spec.md §4.1) rather than re-resolving the name on
every access; Reload only changes what future lookups see.

Every definition in defs is validated before the swap; if any fails, the
existing catalog is left untouched and the first validation error is
returned.
*/
func (r *Registry) Reload(defs []*domain.JobDefinition) error {
	next := make(map[string]*domain.JobDefinition, len(defs))
	for _, def := range defs {
		if def == nil {
			return domain.ErrInvalidDefinitionf("nil definition in reload set")
		}
		if err := def.Validate(); err != nil {
			return err
		}
		if def.Handler == nil {
			return domain.ErrInvalidDefinitionf("handler is nil for job %q", def.Name)
		}
		if _, dup := next[def.Name]; dup {
			return domain.ErrDuplicateNamef("job %q appears twice in reload set", def.Name)
		}
		next[def.Name] = def
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions = next
	return nil
}
