// Package plugins runs build plugins at fixed lifecycle points. Plugins see
// a read view of the build and may append artifacts or request that paths
// be removed before the output is written.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/optimize"
)

// Point is a lifecycle point of a build.
type Point string

const (
	PointPreClean     Point = "pre-clean"
	PointPreGraphWalk Point = "pre-graph-walk"
	PointPostOptimize Point = "post-optimize"
	PointPostEmit     Point = "post-emit"
	// PointPostWrite runs once the artifact set is final and, when the
	// build writes output, on disk. Plugins may no longer change it.
	PointPostWrite Point = "post-write"
)

// Points lists the lifecycle points in the order a build reaches them.
var Points = []Point{PointPreClean, PointPreGraphWalk, PointPostOptimize, PointPostEmit, PointPostWrite}

var errOutputWritten = errors.New("output already written")

// Plugin is a build plugin.
type Plugin interface {
	// Name returns the unique name of the plugin
	Name() string

	// Points returns the lifecycle points the plugin subscribes to
	Points() []Point

	// Apply runs the plugin at point
	Apply(ctx context.Context, point Point, hc *HookContext) error
}

// State is the build state shared across lifecycle points. Fields are
// filled in as the build progresses.
type State struct {
	Mode        config.Mode
	Description *config.BuildDescription
	Graph       *graph.Graph
	Chunks      []*optimize.Chunk
	// Artifacts holds every committed artifact, emitted or appended.
	Artifacts []emit.Artifact
	// Clean lists paths plugins asked to remove before writing.
	Clean []string
	// BuildHash identifies the emitted artifact set.
	BuildHash string
}

// Pipeline invokes plugins in registration order.
type Pipeline struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  logging.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Pipeline{logger: logger.WithComponent("plugins")}
}

// Register appends a plugin. Names must be unique.
func (p *Pipeline) Register(plugin Plugin) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.plugins {
		if existing.Name() == plugin.Name() {
			return fmt.Errorf("plugin %s already registered", plugin.Name())
		}
	}
	p.plugins = append(p.plugins, plugin)

	return nil
}

// Plugins returns the registered plugins in order.
func (p *Pipeline) Plugins() []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]Plugin(nil), p.plugins...)
}

// Run invokes the plugins subscribed to point. Each plugin's appended
// artifacts and clean requests are committed to state when it returns
// successfully. The first failure stops the point and is returned as a
// *PluginError; artifacts committed before it are kept.
func (p *Pipeline) Run(ctx context.Context, point Point, state *State) error {
	for _, plugin := range p.Plugins() {
		if !subscribes(plugin, point) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		hc := newHookContext(plugin.Name(), point, state, p.logger.With("plugin", plugin.Name()))
		if err := plugin.Apply(ctx, point, hc); err != nil {
			return &perrors.PluginError{Plugin: plugin.Name(), Point: string(point), Cause: err}
		}
		if point == PointPostWrite && len(hc.clean) > 0 {
			return &perrors.PluginError{Plugin: plugin.Name(), Point: string(point), Cause: errOutputWritten}
		}

		state.Artifacts = append(state.Artifacts, hc.appended...)
		state.Clean = append(state.Clean, hc.clean...)
		if len(hc.appended) > 0 {
			p.logger.Debug(ctx, "Plugin appended artifacts",
				"plugin", plugin.Name(), "point", string(point), "count", len(hc.appended))
		}
	}

	return nil
}

func subscribes(plugin Plugin, point Point) bool {
	for _, p := range plugin.Points() {
		if p == point {
			return true
		}
	}

	return false
}
