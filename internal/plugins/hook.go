package plugins

import (
	"fmt"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/optimize"
)

// HookContext is the view a plugin gets at one lifecycle point. Reads
// return copies; writes are limited to appending artifacts and requesting
// clean paths.
type HookContext struct {
	plugin   string
	point    Point
	state    *State
	appended []emit.Artifact
	clean    []string
	logger   logging.Logger
}

func newHookContext(plugin string, point Point, state *State, logger logging.Logger) *HookContext {
	return &HookContext{plugin: plugin, point: point, state: state, logger: logger}
}

// Mode returns the build mode.
func (hc *HookContext) Mode() config.Mode { return hc.state.Mode }

// Development reports whether the build runs in development mode.
func (hc *HookContext) Development() bool { return hc.state.Mode == config.ModeDevelopment }

// Description returns the effective build description.
func (hc *HookContext) Description() *config.BuildDescription { return hc.state.Description }

// Graph returns the module graph, nil before the walk.
func (hc *HookContext) Graph() *graph.Graph { return hc.state.Graph }

// Chunks returns the chunk list, nil before optimization.
func (hc *HookContext) Chunks() []*optimize.Chunk {
	return append([]*optimize.Chunk(nil), hc.state.Chunks...)
}

// BuildHash returns the hash of the emitted artifact set, empty before emit.
func (hc *HookContext) BuildHash() string { return hc.state.BuildHash }

// Logger returns a logger tagged with the plugin name.
func (hc *HookContext) Logger() logging.Logger { return hc.logger }

// Artifacts returns copies of the committed artifacts followed by those
// this plugin appended so far.
func (hc *HookContext) Artifacts() []emit.Artifact {
	out := make([]emit.Artifact, 0, len(hc.state.Artifacts)+len(hc.appended))
	for _, a := range hc.state.Artifacts {
		out = append(out, a.Clone())
	}
	for _, a := range hc.appended {
		out = append(out, a.Clone())
	}

	return out
}

// Emit appends an artifact. File names already taken are rejected, as is
// every artifact at PointPostWrite.
func (hc *HookContext) Emit(a emit.Artifact) error {
	if hc.point == PointPostWrite {
		return errOutputWritten
	}
	if a.FileName == "" {
		return fmt.Errorf("artifact %s has no file name", a.Name)
	}
	for _, list := range [][]emit.Artifact{hc.state.Artifacts, hc.appended} {
		for _, existing := range list {
			if existing.FileName == a.FileName {
				return fmt.Errorf("artifact %s already exists", a.FileName)
			}
		}
	}

	a = a.Clone()
	a.Plugin = hc.plugin
	if a.Hash == "" {
		a.Hash = emit.ContentHash(a.Content)
	}
	hc.appended = append(hc.appended, a)

	return nil
}

// RequestClean asks for paths to be removed before the output is written.
// Relative paths are resolved against the build context.
func (hc *HookContext) RequestClean(paths ...string) {
	hc.clean = append(hc.clean, paths...)
}
