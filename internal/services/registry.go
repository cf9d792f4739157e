package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/storage"
)

// Kinds reported in ServiceResolution errors.
const (
	KindInformation = "information"
	KindExternal    = "external"
	KindAuth        = "auth"
	KindCommands    = "commands"
)

// Registry maps names to capabilities. Registration happens while wiring the
// application; lookups are safe from any goroutine.
type Registry struct {
	mu          sync.RWMutex
	store       storage.DocumentStore
	information map[string]string
	external    map[string]External
	auth        Auth
}

// NewRegistry creates a registry whose information sources read and write
// store.
func NewRegistry(store storage.DocumentStore) *Registry {
	return &Registry{
		store:       store,
		information: make(map[string]string),
		external:    make(map[string]External),
	}
}

// RegisterInformation exposes collection as the information source name.
func (r *Registry) RegisterInformation(name, collection string) error {
	if name == "" {
		return errs.Validation("information name is required")
	}
	if err := storage.ValidateCollection(collection); err != nil {
		return fmt.Errorf("information %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.information[name]; ok {
		return errs.Duplicate("information %q already registered", name)
	}
	r.information[name] = collection
	return nil
}

// RegisterExternal registers an external service function.
func (r *Registry) RegisterExternal(name string, svc External) error {
	if name == "" {
		return errs.Validation("service name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.external[name]; ok {
		return errs.Duplicate("service %q already registered", name)
	}
	r.external[name] = svc
	return nil
}

// SetAuth sets the user directory.
func (r *Registry) SetAuth(a Auth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = a
}

// InformationNames returns the registered information names, sorted.
func (r *Registry) InformationNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.information))
	for name := range r.information {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectionOf returns the collection behind an information name.
func (r *Registry) CollectionOf(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coll, ok := r.information[name]
	if !ok {
		return "", errs.ServiceResolution(KindInformation, name)
	}
	return coll, nil
}

// Deps returns a per-dispatch view of the registry.
func (r *Registry) Deps(opts ...DepsOption) *Deps {
	d := &Deps{registry: r}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DepsOption configures a Deps view.
type DepsOption func(*Deps)

// WithSession stages information writes into s.
func WithSession(s *storage.Session) DepsOption {
	return func(d *Deps) { d.session = s }
}

// WithCommands routes triggered commands to sink.
func WithCommands(sink CommandSink) DepsOption {
	return func(d *Deps) { d.commands = sink }
}

// Deps resolves capabilities for one dispatch. It satisfies
// rules.Dependencies.
type Deps struct {
	registry *Registry
	session  *storage.Session
	commands CommandSink
}

// Session returns the bound session, or nil.
func (d *Deps) Session() *storage.Session {
	return d.session
}

// Information resolves a named information source.
func (d *Deps) Information(name string) (Information, error) {
	coll, err := d.registry.CollectionOf(name)
	if err != nil {
		return nil, err
	}
	return NewCollection(name, coll, d.registry.store, d.session), nil
}

// Service resolves an external service.
func (d *Deps) Service(name string) (External, error) {
	d.registry.mu.RLock()
	defer d.registry.mu.RUnlock()
	svc, ok := d.registry.external[name]
	if !ok {
		return nil, errs.ServiceResolution(KindExternal, name)
	}
	return svc, nil
}

// Auth returns the user directory.
func (d *Deps) Auth() (Auth, error) {
	d.registry.mu.RLock()
	defer d.registry.mu.RUnlock()
	if d.registry.auth == nil {
		return nil, errs.ServiceResolution(KindAuth, "default")
	}
	return d.registry.auth, nil
}

// Commands returns the command sink.
func (d *Deps) Commands() (CommandSink, error) {
	if d.commands == nil {
		return nil, errs.ServiceResolution(KindCommands, "queue")
	}
	return d.commands, nil
}
