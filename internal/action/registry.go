package action

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Definition is a registered action type: the handler plus execution
// metadata.
type Definition struct {
	Name        string
	Handler     Handler
	Description string

	// Timeout bounds a single execution. Zero means the processor's
	// default applies.
	Timeout time.Duration
}

// RegisterOption mutates a Definition at registration time.
type RegisterOption func(*Definition)

func WithDescription(s string) RegisterOption {
	return func(d *Definition) { d.Description = s }
}

func WithTimeout(t time.Duration) RegisterOption {
	return func(d *Definition) { d.Timeout = t }
}

// Registry maps action type names to definitions. It is safe for
// concurrent use. One registry is built per process at boot and injected
// into the processor; Clear exists for test isolation.
type Registry struct {
	mu   sync.RWMutex
	log  zerolog.Logger
	defs map[string]Definition
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:  log,
		defs: make(map[string]Definition),
	}
}

// Register stores a handler under name. Re-registering an existing name
// overwrites the previous entry (last writer wins) with a warning, which
// keeps hot-reload and test wiring painless.
func (r *Registry) Register(name string, h Handler, opts ...RegisterOption) {
	def := Definition{Name: name, Handler: h}
	for _, opt := range opts {
		opt(&def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		r.log.Warn().Str("action_type", name).Msg("handler re-registered, overwriting previous entry")
	}
	r.defs[name] = def
}

// Lookup returns the definition for name, if registered.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Clear drops every entry. Test wiring only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]Definition)
}
