// Package builtin provides the plugins available by name in build
// descriptions.
package builtin

import "github.com/conneroisu/assetpipe/internal/plugins"

// Register adds the built-in plugins to r.
func Register(r *plugins.Registry) error {
	for name, f := range map[string]plugins.Factory{
		"clean":    NewCleanPlugin,
		"hmr":      NewHMRPlugin,
		"html":     NewHTMLPlugin,
		"manifest": NewManifestPlugin,
		"publish":  NewPublishPluginFromOptions,
	} {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}

	return nil
}

// NewRegistry returns a registry with the built-in plugins.
func NewRegistry() *plugins.Registry {
	r := plugins.NewRegistry()
	_ = Register(r)

	return r
}
