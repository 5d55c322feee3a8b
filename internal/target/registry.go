// Package target implements the client side of the manifest: the
// registered workflows, tasks, and sensors a worker process can run, and
// the function that turns them into the {type, parameters} manifest
// structure the server expects on connect (grounded on session.py's
// _build_manifest/_manifest_parameter — Go has no runtime
// inspect.signature, so a target's parameter list is supplied explicitly
// at registration instead of introspected, per SPEC_FULL.md §13).
package target

import (
	"fmt"
	"sync"

	"github.com/relayhq/agent/internal/model"
)

// Func is the signature every registered target implements: it receives
// its already-resolved arguments and returns a JSON-encodable result or
// an error. The worker layer is responsible for argument resolution and
// result serialisation around this boundary.
type Func func(ctx Context, args []any) (any, error)

// Registration is what a repository supplies when adding a target.
type Registration struct {
	Name       string
	Type       model.TargetType
	Parameters []model.Parameter
	Cache      *model.Cache
	Defer      *model.Defer
	Retries    *model.Retries
	Requires   model.Requires
	Fn         Func
}

// Repository groups targets under a shared namespace, the way the
// original client groups targets per Python module.
type Repository struct {
	Name    string
	targets map[string]Registration
}

// Registry holds every repository registered by this agent process.
type Registry struct {
	mu           sync.RWMutex
	repositories map[string]*Repository
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{repositories: make(map[string]*Repository)}
}

// Register adds reg to repository, creating it on first use. Registering
// the same name twice in one repository is a programmer error and panics,
// the same way duplicate route registration does in net/http's
// ServeMux.Handle.
func (r *Registry) Register(repository string, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repositories[repository]
	if !ok {
		repo = &Repository{Name: repository, targets: make(map[string]Registration)}
		r.repositories[repository] = repo
	}
	if _, exists := repo.targets[reg.Name]; exists {
		panic(fmt.Sprintf("target: %s.%s already registered", repository, reg.Name))
	}
	repo.targets[reg.Name] = reg
}

// Lookup finds a registered target's function, reporting ok=false for an
// unknown repository/name pair so the manager can put_error immediately
// (spec.md §4.5's "unknown target" edge case) rather than spawning a
// worker doomed to fail.
func (r *Registry) Lookup(repository, name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repositories[repository]
	if !ok {
		return Registration{}, false
	}
	reg, ok := repo.targets[name]
	return reg, ok
}

// Manifest builds the {repository: {name: target}} structure sent to the
// server on connect, mirroring _build_manifest's shape.
func (r *Registry) Manifest() map[string]map[string]model.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]model.Target, len(r.repositories))
	for repoName, repo := range r.repositories {
		entries := make(map[string]model.Target, len(repo.targets))
		for name, reg := range repo.targets {
			entries[name] = model.Target{
				Type:       reg.Type,
				Parameters: reg.Parameters,
				Cache:      reg.Cache,
				Defer:      reg.Defer,
				Retries:    reg.Retries,
				Requires:   reg.Requires,
			}
		}
		out[repoName] = entries
	}
	return out
}
