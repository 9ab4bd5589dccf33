// Package build orchestrates a build: plugins, graph walk, chunk
// partitioning, emission and writing. A Compiler keeps the last successful
// result so development rebuilds can be incremental.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/optimize"
	"github.com/conneroisu/assetpipe/internal/plugins"
	"github.com/conneroisu/assetpipe/internal/resolve"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// DefaultCacheSize bounds the transform cache.
const DefaultCacheSize = 256 << 20

// Options configures a Compiler.
type Options struct {
	Description *config.BuildDescription
	Logger      logging.Logger
	// Steps defaults to rules.DefaultRegistry.
	Steps *rules.Registry
	// Plugins defaults to an empty pipeline.
	Plugins *plugins.Pipeline
	Cache   *TransformCache
	Metrics *BuildMetrics
	// WriteOutput writes artifacts to the output directory after each
	// successful build.
	WriteOutput bool
	// ReadFile defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Result is the outcome of one build.
type Result struct {
	Graph     *graph.Graph
	Chunks    []*optimize.Chunk
	Artifacts []emit.Artifact
	// Updated lists chunks whose artifacts differ from the previous
	// successful build, in chunk order.
	Updated     []string
	BuildHash   string
	Incremental bool
	Duration    time.Duration
	CacheHits   int64
	CacheMisses int64
}

// Compiler runs builds for one build description.
type Compiler struct {
	desc     *config.BuildDescription
	walker   *graph.Walker
	policy   *optimize.Policy
	emitter  *emit.Emitter
	writer   *emit.Writer
	pipeline *plugins.Pipeline
	cache    *TransformCache
	metrics  *BuildMetrics
	write    bool
	logger   logging.Logger

	mu     sync.Mutex
	last   *Result
	failed bool
}

// NewCompiler wires the pipeline components for desc.
func NewCompiler(opts Options) (*Compiler, error) {
	desc := opts.Description
	if desc == nil {
		return nil, perrors.NewInternalError(perrors.ErrCodeInvalidValue, "compiler needs a build description", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	steps := opts.Steps
	if steps == nil {
		steps = rules.DefaultRegistry()
	}
	pipeline := opts.Plugins
	if pipeline == nil {
		pipeline = plugins.NewPipeline(logger)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewTransformCache(DefaultCacheSize, 0)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewBuildMetrics(nil)
	}
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	engine, err := rules.NewEngine(desc.Rules, desc.Context, steps)
	if err != nil {
		return nil, err
	}
	policy, err := optimize.NewPolicy(desc.Optimization)
	if err != nil {
		return nil, err
	}

	resolver := resolve.New(desc.Resolve, desc.Context)
	walker := graph.NewWalker(resolver, engine, graph.Options{
		Workers:  desc.Workers,
		Cache:    cache,
		Logger:   logger,
		ReadFile: readFile,
	})
	emitter := emit.New(emit.Options{
		Templates: emit.TemplatesFrom(desc.Output),
		Mode:      desc.Mode,
		Logger:    logger,
		ReadFile:  readFile,
	})

	return &Compiler{
		desc:     desc,
		walker:   walker,
		policy:   policy,
		emitter:  emitter,
		writer:   emit.NewWriter(),
		pipeline: pipeline,
		cache:    cache,
		metrics:  metrics,
		write:    opts.WriteOutput,
		logger:   logger.WithComponent("build"),
	}, nil
}

// Description returns the build description.
func (c *Compiler) Description() *config.BuildDescription { return c.desc }

// Metrics returns the build metrics.
func (c *Compiler) Metrics() *BuildMetrics { return c.metrics }

// Cache returns the transform cache.
func (c *Compiler) Cache() *TransformCache { return c.cache }

// Last returns the last successful result, nil before the first one.
func (c *Compiler) Last() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

// Run performs a full build.
func (c *Compiler) Run(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.build(ctx, nil)
}

// Rebuild performs an incremental build after the files in changed were
// modified. It falls back to a full build when no successful build exists
// or the previous build failed.
func (c *Compiler) Rebuild(ctx context.Context, changed []string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last == nil || c.failed {
		return c.build(ctx, nil)
	}

	return c.build(ctx, changed)
}

// build runs the lifecycle. A nil changed list means a full walk.
func (c *Compiler) build(ctx context.Context, changed []string) (result *Result, err error) {
	incremental := changed != nil
	perf := logging.StartOperation(c.logger, "build")
	before := c.cache.Stats()
	result = &Result{Incremental: incremental}

	defer func() {
		after := c.cache.Stats()
		result.Duration = perf.Elapsed()
		result.CacheHits = after.Hits - before.Hits
		result.CacheMisses = after.Misses - before.Misses
		c.metrics.RecordBuild(result, err)
		if err != nil {
			c.failed = true
			perf.EndWithError(ctx, err)
			return
		}
		c.failed = false
		c.last = result
		perf.End(ctx, "artifacts", len(result.Artifacts), "updated", len(result.Updated), "incremental", incremental)
	}()

	state := &plugins.State{Mode: c.desc.Mode, Description: c.desc}
	if err := c.pipeline.Run(ctx, plugins.PointPreClean, state); err != nil {
		return result, err
	}
	if err := c.pipeline.Run(ctx, plugins.PointPreGraphWalk, state); err != nil {
		return result, err
	}

	g, err := c.walk(ctx, changed)
	if err != nil {
		return result, err
	}
	result.Graph = g

	chunks, err := optimize.Partition(g, c.policy)
	if err != nil {
		return result, err
	}
	result.Chunks = chunks
	state.Graph, state.Chunks = g, chunks

	if err := c.pipeline.Run(ctx, plugins.PointPostOptimize, state); err != nil {
		return result, err
	}

	emitted, err := c.emitter.Emit(ctx, chunks)
	if err != nil {
		return result, err
	}
	artifacts, err := mergeArtifacts(emitted, state.Artifacts)
	if err != nil {
		return result, err
	}
	state.Artifacts = artifacts
	state.BuildHash = BuildHash(artifacts)

	if err := c.pipeline.Run(ctx, plugins.PointPostEmit, state); err != nil {
		return result, err
	}

	if c.write {
		clean := make([]string, 0, len(state.Clean))
		for _, p := range state.Clean {
			abs := c.desc.ResolvePath(p)
			if !withinProject(c.desc.Context, abs) {
				return result, &perrors.EmitError{Op: "clean", Cause: fmt.Errorf("path %s is outside the project", p)}
			}
			clean = append(clean, abs)
		}
		if err := c.writer.Write(ctx, state.Artifacts, c.desc.OutputRoot(), clean); err != nil {
			return result, err
		}
	}

	if err := c.pipeline.Run(ctx, plugins.PointPostWrite, state); err != nil {
		return result, err
	}

	result.Artifacts = state.Artifacts
	result.BuildHash = state.BuildHash
	var prev []emit.Artifact
	if c.last != nil {
		prev = c.last.Artifacts
	}
	result.Updated = UpdatedChunks(prev, result.Artifacts, chunks)

	return result, nil
}

// withinProject reports whether path lies strictly below dir.
func withinProject(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (c *Compiler) walk(ctx context.Context, changed []string) (*graph.Graph, error) {
	if changed == nil {
		return c.walker.Walk(ctx, c.desc.Entry)
	}

	g, affected, err := c.walker.Invalidate(ctx, c.last.Graph, changed)
	if err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "Incremental walk", "changed", len(changed), "affected", len(affected))

	return g, nil
}

// mergeArtifacts appends plugin artifacts to emitted ones. A plugin
// artifact may not take an emitted file name.
func mergeArtifacts(emitted, appended []emit.Artifact) ([]emit.Artifact, error) {
	names := emit.ByFileName(emitted)
	out := append([]emit.Artifact(nil), emitted...)
	for _, a := range appended {
		if _, taken := names[a.FileName]; taken {
			return nil, &perrors.EmitError{
				Artifact: a.Name,
				Op:       "name",
				Cause:    fmt.Errorf("file name %s from plugin %s is already emitted", a.FileName, a.Plugin),
			}
		}
		out = append(out, a)
	}

	return out, nil
}

// BuildHash identifies an artifact set by its file names and contents.
func BuildHash(artifacts []emit.Artifact) string {
	sorted := append([]emit.Artifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileName < sorted[j].FileName })

	h := xxhash.New()
	for _, a := range sorted {
		_, _ = h.WriteString(a.FileName)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(a.Hash)
		_, _ = h.WriteString("\x00")
	}

	return fmt.Sprintf("%016x", h.Sum64())[:12]
}

// UpdatedChunks returns, in chunk order, the chunks with an artifact that
// is new or whose content changed since prev.
func UpdatedChunks(prev, next []emit.Artifact, chunks []*optimize.Chunk) []string {
	type key struct {
		chunk string
		kind  emit.ArtifactKind
	}
	before := make(map[key]string, len(prev))
	for _, a := range prev {
		if a.Chunk != "" {
			before[key{a.Chunk, a.Kind}] = a.Hash
		}
	}

	changed := make(map[string]bool)
	for _, a := range next {
		if a.Chunk == "" {
			continue
		}
		if h, ok := before[key{a.Chunk, a.Kind}]; !ok || h != a.Hash {
			changed[a.Chunk] = true
		}
	}

	var out []string
	for _, c := range chunks {
		if changed[c.Name] {
			out = append(out, c.Name)
		}
	}

	return out
}
