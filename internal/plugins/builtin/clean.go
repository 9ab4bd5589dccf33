package builtin

import (
	"context"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/plugins"
)

// CleanPlugin requests removal of the output directory and extra paths
// before the build writes.
type CleanPlugin struct {
	paths []string
}

// NewCleanPlugin creates the plugin. Options: paths.
func NewCleanPlugin(opts config.Options) (plugins.Plugin, error) {
	return &CleanPlugin{paths: opts.Strings("paths")}, nil
}

func (p *CleanPlugin) Name() string { return "clean" }

func (p *CleanPlugin) Points() []plugins.Point {
	return []plugins.Point{plugins.PointPreClean}
}

func (p *CleanPlugin) Apply(_ context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	if desc := hc.Description(); desc != nil {
		hc.RequestClean(desc.Output.Path)
	}
	hc.RequestClean(p.paths...)

	return nil
}
