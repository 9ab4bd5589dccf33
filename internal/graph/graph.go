// Package graph builds the module dependency graph of a build: entry
// specifiers are resolved, every reachable file is dispatched through the
// rule engine, and the static imports of the transformed output become the
// graph's edges.
package graph

import (
	"path/filepath"

	"github.com/conneroisu/assetpipe/internal/rules"
)

// Request is one import of a module and the file it resolved to.
type Request struct {
	Specifier string
	Path      string
}

// Module is one resolved source file after transformation.
type Module struct {
	// ID is the path relative to the build context, slash separated.
	ID      string
	Path    string
	Kind    rules.Kind
	Content []byte
	// Emit is set when the module is written as its own file.
	Emit    *rules.Emission
	DataURI string
	// Deferred modules matched no rule and are copied unchanged; their
	// content is read when they are emitted.
	Deferred bool
	Requests []Request
	// Chunk is assigned by the optimizer.
	Chunk string
}

// Imports returns the resolved import paths in source order.
func (m *Module) Imports() []string {
	out := make([]string, 0, len(m.Requests))
	seen := make(map[string]bool, len(m.Requests))
	for _, r := range m.Requests {
		if !seen[r.Path] {
			seen[r.Path] = true
			out = append(out, r.Path)
		}
	}

	return out
}

// Size is the transformed content size in bytes.
func (m *Module) Size() int {
	return len(m.Content)
}

// Standalone reports whether the module is written as its own file rather
// than bundled into a chunk script or stylesheet.
func (m *Module) Standalone() bool {
	return m.Emit != nil || m.Deferred || m.Kind == rules.KindAsset || m.Kind == rules.KindHTML
}

// Entry is a named root of the graph.
type Entry struct {
	Name    string
	Modules []string
}

// Graph is the module graph of one build.
type Graph struct {
	Context string
	Entries []Entry
	modules map[string]*Module
	order   []string
}

func newGraph(contextDir string) *Graph {
	return &Graph{Context: contextDir, modules: make(map[string]*Module)}
}

// New assembles a graph from already transformed modules. Modules keep the
// given order.
func New(contextDir string, entries []Entry, modules []*Module) *Graph {
	g := newGraph(contextDir)
	g.Entries = append([]Entry(nil), entries...)
	for _, m := range modules {
		g.add(m)
	}

	return g
}

func (g *Graph) add(m *Module) {
	if _, ok := g.modules[m.Path]; !ok {
		g.order = append(g.order, m.Path)
	}
	g.modules[m.Path] = m
}

// Module returns the module at path.
func (g *Graph) Module(path string) (*Module, bool) {
	m, ok := g.modules[path]

	return m, ok
}

// Modules returns all modules in discovery order.
func (g *Graph) Modules() []*Module {
	out := make([]*Module, 0, len(g.order))
	for _, p := range g.order {
		out = append(out, g.modules[p])
	}

	return out
}

// Len returns the number of modules.
func (g *Graph) Len() int {
	return len(g.order)
}

// Importers returns the modules importing path directly.
func (g *Graph) Importers(path string) []string {
	var out []string
	for _, p := range g.order {
		for _, dep := range g.modules[p].Imports() {
			if dep == path {
				out = append(out, p)
				break
			}
		}
	}

	return out
}

// TransitiveImporters returns paths together with every module that reaches
// one of them, in discovery order.
func (g *Graph) TransitiveImporters(paths []string) []string {
	reverse := make(map[string][]string, len(g.order))
	for _, p := range g.order {
		for _, dep := range g.modules[p].Imports() {
			reverse[dep] = append(reverse[dep], p)
		}
	}

	marked := make(map[string]bool)
	stack := append([]string(nil), paths...)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if marked[p] {
			continue
		}
		marked[p] = true
		stack = append(stack, reverse[p]...)
	}

	var out []string
	for _, p := range g.order {
		if marked[p] {
			out = append(out, p)
		}
	}

	return out
}

// Reachable returns every module reachable from roots, roots included.
func (g *Graph) Reachable(roots []string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m, ok := g.modules[p]
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		stack = append(stack, m.Imports()...)
	}

	return seen
}

// clone copies the graph and its modules so chunk assignments on the copy do
// not leak into the original.
func (g *Graph) clone() *Graph {
	c := newGraph(g.Context)
	c.Entries = append([]Entry(nil), g.Entries...)
	for _, p := range g.order {
		m := *g.modules[p]
		c.add(&m)
	}

	return c
}

// prune drops modules no entry reaches.
func (g *Graph) prune() {
	var roots []string
	for _, e := range g.Entries {
		roots = append(roots, e.Modules...)
	}
	live := g.Reachable(roots)

	kept := g.order[:0]
	for _, p := range g.order {
		if live[p] {
			kept = append(kept, p)
		} else {
			delete(g.modules, p)
		}
	}
	g.order = kept
}

func (g *Graph) moduleID(path string) string {
	rel, err := filepath.Rel(g.Context, path)
	if err != nil {
		return filepath.ToSlash(path)
	}

	return filepath.ToSlash(rel)
}
