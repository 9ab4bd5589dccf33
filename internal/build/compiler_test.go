package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/optimize"
	"github.com/conneroisu/assetpipe/internal/plugins"
	"github.com/conneroisu/assetpipe/internal/rules"
)

const testDocument = `
entry:
  main: [./src/index.js]
rules:
  - test: '\.js$'
    use: [{step: check}]
  - test: '\.css$'
    use: [{step: style}]
optimization:
  runtime_chunk: runtime
  split_chunks:
    cache_groups:
      vendor: {test: node_modules/, priority: 10, enforce: true}
`

var testProject = map[string]string{
	"src/index.js":                  "require('./util');\nrequire('lib');\nrequire('./main.css');\nvar logo = require('./logo.svg');\n",
	"src/util.js":                   "module.exports = 1;\n",
	"src/main.css":                  "body { background: url(./logo.svg); }\n",
	"src/logo.svg":                  "<svg/>",
	"node_modules/lib/index.js":     "module.exports = 'lib';\n",
	"node_modules/lib/package.json": `{"main": "index.js"}`,
}

func chunkNames(r *Result) []string {
	out := make([]string, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		out = append(out, c.Name)
	}

	return out
}

func chunksNamed(names ...string) []*optimize.Chunk {
	out := make([]*optimize.Chunk, 0, len(names))
	for _, n := range names {
		out = append(out, &optimize.Chunk{Name: n})
	}

	return out
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

// checkStep fails on sources containing SYNTAX ERROR.
func checkStep(_ context.Context, in rules.Unit, _ config.Options) (rules.Unit, error) {
	if strings.Contains(string(in.Content), "SYNTAX ERROR") {
		return rules.Unit{}, errors.New("unexpected token")
	}

	return in, nil
}

func newTestCompiler(t *testing.T, root string, mode config.Mode, opts Options) *Compiler {
	t.Helper()
	doc, err := config.ParseDocument([]byte(testDocument))
	require.NoError(t, err)
	desc, err := config.FromDocument(doc, mode, root, nil)
	require.NoError(t, err)

	steps := rules.DefaultRegistry()
	require.NoError(t, steps.Register(rules.StepFunc{StepName: "check", Fn: checkStep}))

	opts.Description = desc
	opts.Steps = steps
	c, err := NewCompiler(opts)
	require.NoError(t, err)

	return c
}

func chunkFor(t *testing.T, r *Result, name string, kind emit.ArtifactKind) emit.Artifact {
	t.Helper()
	for _, a := range r.Artifacts {
		if a.Chunk == name && a.Kind == kind {
			return a
		}
	}
	t.Fatalf("no %s artifact for chunk %s", kind, name)

	return emit.Artifact{}
}

func TestCompilerRunWritesOutput(t *testing.T) {
	root := writeProject(t, testProject)
	c := newTestCompiler(t, root, config.ModeProduction, Options{WriteOutput: true})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Incremental)
	assert.Equal(t, []string{"runtime", "vendor", "main"}, chunkNames(result))
	assert.NotEmpty(t, result.BuildHash)

	for _, a := range result.Artifacts {
		got, err := os.ReadFile(filepath.Join(root, "dist", filepath.FromSlash(a.FileName)))
		require.NoError(t, err, a.FileName)
		assert.Equal(t, a.Content, got)
	}

	main := chunkFor(t, result, "main", emit.KindScript)
	assert.True(t, main.Hashed)
	assert.Contains(t, main.FileName, "static/js/main.")
	css := chunkFor(t, result, "main", emit.KindStylesheet)
	assert.Contains(t, string(css.Content), "/static/media/logo.")
	assert.Contains(t, string(chunkFor(t, result, "vendor", emit.KindScript).Content), "node_modules/lib/index.js")
}

func TestCompilerProductionIsDeterministic(t *testing.T) {
	root := writeProject(t, testProject)

	first, err := newTestCompiler(t, root, config.ModeProduction, Options{}).Run(context.Background())
	require.NoError(t, err)
	second, err := newTestCompiler(t, root, config.ModeProduction, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, emit.FileNames(first.Artifacts), emit.FileNames(second.Artifacts))
	assert.Equal(t, first.BuildHash, second.BuildHash)
}

func TestCompilerRebuildIsIncremental(t *testing.T) {
	root := writeProject(t, testProject)
	c := newTestCompiler(t, root, config.ModeDevelopment, Options{})

	first, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"runtime", "vendor", "main"}, first.Updated)

	util := filepath.Join(root, "src", "util.js")
	require.NoError(t, os.WriteFile(util, []byte("module.exports = 2;\n"), 0o644))

	second, err := c.Rebuild(context.Background(), []string{util})
	require.NoError(t, err)
	assert.True(t, second.Incremental)
	assert.Equal(t, []string{"main"}, second.Updated)
	assert.Equal(t, emit.FileNames(first.Artifacts), emit.FileNames(second.Artifacts), "development names are stable")
	assert.Same(t, second, c.Last())
}

func TestCompilerTransformErrorKeepsLastResult(t *testing.T) {
	root := writeProject(t, testProject)
	c := newTestCompiler(t, root, config.ModeDevelopment, Options{})

	good, err := c.Run(context.Background())
	require.NoError(t, err)

	util := filepath.Join(root, "src", "util.js")
	require.NoError(t, os.WriteFile(util, []byte("SYNTAX ERROR\n"), 0o644))

	_, err = c.Rebuild(context.Background(), []string{util})
	require.Error(t, err)
	assert.Equal(t, perrors.ErrorTypeTransform, perrors.Kind(err))
	assert.False(t, perrors.IsFatal(err, true))
	assert.Same(t, good, c.Last())

	var te *perrors.TransformError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, util, te.File)

	// After a failure the next rebuild walks the whole graph again.
	require.NoError(t, os.WriteFile(util, []byte("module.exports = 3;\n"), 0o644))
	fixed, err := c.Rebuild(context.Background(), []string{util})
	require.NoError(t, err)
	assert.False(t, fixed.Incremental)
	assert.Positive(t, fixed.CacheHits, "unchanged modules come from the transform cache")

	snap := c.Metrics().GetSnapshot()
	assert.Equal(t, int64(3), snap.TotalBuilds)
	assert.Equal(t, int64(1), snap.FailedBuilds)
}

func TestCompilerUnresolvedModuleIsFatal(t *testing.T) {
	files := map[string]string{}
	for k, v := range testProject {
		files[k] = v
	}
	files["src/util.js"] = "require('./missing');\n"
	root := writeProject(t, files)

	_, err := newTestCompiler(t, root, config.ModeProduction, Options{WriteOutput: true}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.IsUnresolved(err))
	assert.NoDirExists(t, filepath.Join(root, "dist"))
}

type failingPlugin struct{ point plugins.Point }

func (p *failingPlugin) Name() string            { return "failing" }
func (p *failingPlugin) Points() []plugins.Point { return []plugins.Point{p.point} }
func (p *failingPlugin) Apply(context.Context, plugins.Point, *plugins.HookContext) error {
	return errors.New("plugin exploded")
}

func TestCompilerPluginFailureAbortsBuild(t *testing.T) {
	root := writeProject(t, testProject)
	pipeline := plugins.NewPipeline(nil)
	require.NoError(t, pipeline.Register(&failingPlugin{point: plugins.PointPostOptimize}))

	_, err := newTestCompiler(t, root, config.ModeProduction, Options{Plugins: pipeline, WriteOutput: true}).Run(context.Background())
	require.Error(t, err)

	var pe *perrors.PluginError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, string(plugins.PointPostOptimize), pe.Point)
	assert.NoDirExists(t, filepath.Join(root, "dist"))
}

type cleanPlugin struct{ paths []string }

func (p *cleanPlugin) Name() string            { return "clean" }
func (p *cleanPlugin) Points() []plugins.Point { return []plugins.Point{plugins.PointPreClean} }
func (p *cleanPlugin) Apply(_ context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	hc.RequestClean(p.paths...)
	return nil
}

func TestCompilerCleanPaths(t *testing.T) {
	files := map[string]string{"tmp/stale.txt": "old", "../keep/file.txt": "keep"}
	for name, content := range testProject {
		files[name] = content
	}
	base := writeProject(t, nil)
	root := filepath.Join(base, "project")
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	pipeline := plugins.NewPipeline(nil)
	require.NoError(t, pipeline.Register(&cleanPlugin{paths: []string{"tmp"}}))
	_, err := newTestCompiler(t, root, config.ModeProduction, Options{Plugins: pipeline, WriteOutput: true}).Run(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, "tmp"))

	pipeline = plugins.NewPipeline(nil)
	require.NoError(t, pipeline.Register(&cleanPlugin{paths: []string{"../keep"}}))
	_, err = newTestCompiler(t, root, config.ModeProduction, Options{Plugins: pipeline, WriteOutput: true}).Run(context.Background())
	require.Error(t, err)

	var ee *perrors.EmitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "clean", ee.Op)
	assert.FileExists(t, filepath.Join(base, "keep", "file.txt"))
}

type writeObserver struct {
	root  string
	calls int
	seen  []bool
}

func (p *writeObserver) Name() string            { return "observer" }
func (p *writeObserver) Points() []plugins.Point { return []plugins.Point{plugins.PointPostWrite} }
func (p *writeObserver) Apply(_ context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	p.calls++
	for _, a := range hc.Artifacts() {
		_, err := os.Stat(filepath.Join(p.root, "dist", filepath.FromSlash(a.FileName)))
		p.seen = append(p.seen, err == nil)
	}
	return nil
}

func TestCompilerPostWriteRunsAfterOutputIsWritten(t *testing.T) {
	root := writeProject(t, testProject)
	observer := &writeObserver{root: root}
	pipeline := plugins.NewPipeline(nil)
	require.NoError(t, pipeline.Register(observer))
	c := newTestCompiler(t, root, config.ModeProduction, Options{Plugins: pipeline, WriteOutput: true})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, observer.calls)
	require.NotEmpty(t, observer.seen)
	assert.NotContains(t, observer.seen, false)

	// A held lock makes the write fail; post-write plugins must not run.
	require.NoError(t, os.WriteFile(filepath.Join(root, "dist.lock"), []byte("1\n"), 0o644))
	_, err = c.Run(context.Background())
	var ee *perrors.EmitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, observer.calls)
}

func TestCompilerMetricsAreExported(t *testing.T) {
	root := writeProject(t, testProject)
	reg := prometheus.NewRegistry()
	metrics := NewBuildMetrics(reg)

	_, err := newTestCompiler(t, root, config.ModeProduction, Options{Metrics: metrics}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.builds.WithLabelValues("full", "success")))
	count, err := testutil.GatherAndCount(reg, "assetpipe_builds_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdatedChunks(t *testing.T) {
	art := func(chunk string, kind emit.ArtifactKind, content string) emit.Artifact {
		a := emit.NewArtifact(chunk, kind, chunk+kind.String(), []byte(content))
		a.Chunk = chunk

		return a
	}
	prev := []emit.Artifact{art("vendor", emit.KindScript, "v"), art("main", emit.KindScript, "m")}
	next := []emit.Artifact{art("vendor", emit.KindScript, "v"), art("main", emit.KindScript, "m2"), art("main", emit.KindStylesheet, "c")}

	assert.Empty(t, UpdatedChunks(prev, prev, nil))
	assert.Equal(t, []string{"main"}, UpdatedChunks(prev, next, chunksNamed("vendor", "main")))
	assert.Equal(t, []string{"vendor", "main"}, UpdatedChunks(nil, next, chunksNamed("vendor", "main")))
}
