package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/resolve"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// Cache stores transformed units by content key.
type Cache interface {
	Get(key string) (rules.Unit, bool)
	Put(key string, unit rules.Unit)
}

// Options configures a Walker.
type Options struct {
	// Workers bounds parallel transforms per frontier. Values below one
	// mean one.
	Workers int
	Cache   Cache
	Logger  logging.Logger
	// ReadFile defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Walker builds module graphs.
type Walker struct {
	resolver *resolve.Resolver
	engine   *rules.Engine
	opts     Options
	logger   logging.Logger
}

// NewWalker creates a walker.
func NewWalker(resolver *resolve.Resolver, engine *rules.Engine, opts Options) *Walker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Walker{
		resolver: resolver,
		engine:   engine,
		opts:     opts,
		logger:   logger.WithComponent("graph"),
	}
}

// Walk resolves the entries and builds the complete graph. Entries are
// processed in name order.
func (w *Walker) Walk(ctx context.Context, entries map[string][]string) (*Graph, error) {
	g := newGraph(w.resolver.Context())
	seen := make(map[string]bool)

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var frontier []string
	for _, name := range names {
		entry := Entry{Name: name}
		for _, spec := range entries[name] {
			path, err := w.resolver.Resolve(spec, w.resolver.Context())
			if err != nil {
				return nil, err
			}
			entry.Modules = append(entry.Modules, path)
			if !seen[path] {
				seen[path] = true
				frontier = append(frontier, path)
			}
		}
		g.Entries = append(g.Entries, entry)
	}

	if err := w.expand(ctx, g, frontier, seen); err != nil {
		return nil, err
	}
	w.logger.Debug(ctx, "Graph walk finished", "modules", g.Len(), "entries", len(g.Entries))

	return g, nil
}

// Invalidate rebuilds prev after the files in changed were modified,
// created or deleted. It returns the new graph and the changed modules
// together with their transitive importers. prev is left untouched.
func (w *Walker) Invalidate(ctx context.Context, prev *Graph, changed []string) (*Graph, []string, error) {
	g := prev.clone()

	var reprocess []string
	queued := make(map[string]bool)
	queue := func(p string) {
		if !queued[p] {
			queued[p] = true
			reprocess = append(reprocess, p)
		}
	}

	for _, p := range changed {
		p = filepath.Clean(p)
		if _, ok := g.modules[p]; !ok {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			queue(p)
			continue
		}
		// Deleted: importers must resolve again and will fail if the file
		// is still referenced.
		for _, importer := range g.Importers(p) {
			queue(importer)
		}
	}

	if len(reprocess) == 0 {
		return g, nil, nil
	}

	mods, err := w.processAll(ctx, g, reprocess)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, g.Len())
	for _, p := range g.order {
		seen[p] = true
	}
	var frontier []string
	for _, m := range mods {
		g.add(m)
		for _, dep := range m.Imports() {
			if !seen[dep] {
				seen[dep] = true
				frontier = append(frontier, dep)
			}
		}
	}

	if err := w.expand(ctx, g, frontier, seen); err != nil {
		return nil, nil, err
	}
	g.prune()

	var present []string
	for _, p := range reprocess {
		if _, ok := g.modules[p]; ok {
			present = append(present, p)
		}
	}
	affected := g.TransitiveImporters(present)
	w.logger.Debug(ctx, "Graph invalidated", "changed", len(changed), "affected", len(affected))

	return g, affected, nil
}

// expand walks breadth first from frontier, transforming each frontier in
// parallel and appending modules in a deterministic order.
func (w *Walker) expand(ctx context.Context, g *Graph, frontier []string, seen map[string]bool) error {
	for len(frontier) > 0 {
		mods, err := w.processAll(ctx, g, frontier)
		if err != nil {
			return err
		}

		var next []string
		for _, m := range mods {
			g.add(m)
			for _, dep := range m.Imports() {
				if !seen[dep] {
					seen[dep] = true
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	return nil
}

func (w *Walker) processAll(ctx context.Context, g *Graph, paths []string) ([]*Module, error) {
	mods := make([]*Module, len(paths))
	errs := make([]error, len(paths))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.opts.Workers)
	for i, path := range paths {
		eg.Go(func() error {
			mods[i], errs[i] = w.process(egCtx, g, path)
			return errs[i]
		})
	}
	waitErr := eg.Wait()

	// Report the first real failure in frontier order, not the first to
	// finish, so repeated builds fail the same way.
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}

	return mods, nil
}

func (w *Walker) process(ctx context.Context, g *Graph, path string) (*Module, error) {
	kind := rules.KindForPath(path)
	chain, matched := w.engine.Dispatch(path)

	m := &Module{ID: g.moduleID(path), Path: path, Kind: kind}
	if !matched && kind == rules.KindAsset {
		m.Deferred = true
		return m, nil
	}

	content, err := w.opts.ReadFile(path)
	if err != nil {
		return nil, &perrors.TransformError{File: path, Step: "read", Cause: err}
	}

	unit := rules.Unit{Path: path, Content: content, Kind: kind}
	if matched {
		if unit, err = w.transform(ctx, chain, unit); err != nil {
			return nil, err
		}
	}

	m.Kind = unit.Kind
	m.Content = unit.Content
	m.Emit = unit.Emit
	m.DataURI = unit.DataURI

	for _, spec := range scanImports(unit) {
		dep, err := w.resolveImport(spec, path, unit.Kind)
		if err != nil {
			return nil, err
		}
		m.Requests = append(m.Requests, Request{Specifier: spec, Path: dep})
	}

	return m, nil
}

func (w *Walker) transform(ctx context.Context, chain rules.Chain, unit rules.Unit) (rules.Unit, error) {
	if w.opts.Cache == nil {
		return chain.Apply(ctx, unit)
	}

	key := cacheKey(unit.Path, unit.Content, chain)
	if cached, ok := w.opts.Cache.Get(key); ok {
		return cached, nil
	}
	out, err := chain.Apply(ctx, unit)
	if err != nil {
		return rules.Unit{}, err
	}
	w.opts.Cache.Put(key, out)

	return out, nil
}

func cacheKey(path string, content []byte, chain rules.Chain) string {
	d := xxhash.New()
	_, _ = d.WriteString(path)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(chain.Key())
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(content)

	return fmt.Sprintf("%016x", d.Sum64())
}

// resolveImport resolves spec from importer. Stylesheets treat bare
// references as relative first and strip the "~" module prefix.
func (w *Walker) resolveImport(spec, importer string, kind rules.Kind) (string, error) {
	dir := filepath.Dir(importer)

	var (
		path string
		err  error
	)
	switch {
	case kind == rules.KindStyle && strings.HasPrefix(spec, "~"):
		path, err = w.resolver.Resolve(strings.TrimPrefix(spec, "~"), dir)
	case kind == rules.KindStyle && !strings.HasPrefix(spec, ".") && !filepath.IsAbs(spec):
		if path, err = w.resolver.Resolve("./"+spec, dir); err != nil {
			path, err = w.resolver.Resolve(spec, dir)
		}
	default:
		path, err = w.resolver.Resolve(spec, dir)
	}

	var unresolved *perrors.UnresolvedModuleError
	if errors.As(err, &unresolved) {
		unresolved.Specifier = spec
		unresolved.Importer = importer
	}

	return path, err
}
