package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
)

// Factory builds a plugin from its options.
type Factory func(opts config.Options) (Plugin, error)

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin factory %s already registered", name)
	}
	r.factories[name] = f

	return nil
}

// Names returns the registered plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Pipeline builds a pipeline from the configured plugin list, keeping its
// order.
func (r *Registry) Pipeline(specs []config.PluginSpec, logger logging.Logger) (*Pipeline, error) {
	p := NewPipeline(logger)
	for _, spec := range specs {
		r.mu.RLock()
		f, ok := r.factories[spec.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, perrors.NewValidationError(perrors.ErrCodeUnknownPlugin,
				fmt.Sprintf("unknown plugin %q", spec.Name))
		}

		plugin, err := f(spec.Options)
		if err != nil {
			return nil, perrors.NewConfigError(perrors.ErrCodeInvalidValue,
				fmt.Sprintf("plugin %s", spec.Name), err)
		}
		if err := p.Register(plugin); err != nil {
			return nil, err
		}
	}

	return p, nil
}
