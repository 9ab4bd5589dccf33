// Package optimize partitions a module graph into chunks.
//
// Cache groups are evaluated per module in priority order. The first group
// whose test matches and whose thresholds are met (or which is enforced)
// claims the module. Unclaimed modules join the chunk of the first entry, in
// name order, that reaches them. A configured runtime chunk holds only the
// module loading glue.
package optimize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
)

// ChunkKind distinguishes how a chunk came to exist.
type ChunkKind int

const (
	ChunkRuntime ChunkKind = iota
	ChunkCacheGroup
	ChunkEntry
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkRuntime:
		return "runtime"
	case ChunkCacheGroup:
		return "cache-group"
	case ChunkEntry:
		return "entry"
	default:
		return "unknown"
	}
}

// CacheGroup routes matching modules into a named chunk.
type CacheGroup struct {
	Key       string
	Name      string
	Test      *regexp.Regexp
	Priority  int
	Enforce   bool
	MinSize   int
	MinChunks int
}

// accepts reports whether the group claims a module of the given size that
// is reached by the given number of entries. Zero thresholds always pass.
func (cg *CacheGroup) accepts(size, reachedBy int) bool {
	if cg.Enforce {
		return true
	}

	return size >= cg.MinSize && reachedBy >= cg.MinChunks
}

// Policy is the compiled optimization policy.
type Policy struct {
	Groups       []CacheGroup
	RuntimeChunk string
}

// NewPolicy compiles cache groups and sorts them by descending priority.
// Groups of equal priority keep key order.
func NewPolicy(cfg config.OptimizationConfig) (*Policy, error) {
	keys := make([]string, 0, len(cfg.SplitChunks.CacheGroups))
	for key := range cfg.SplitChunks.CacheGroups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	p := &Policy{RuntimeChunk: cfg.RuntimeChunk}
	for _, key := range keys {
		gc := cfg.SplitChunks.CacheGroups[key]
		test, err := regexp.Compile(gc.Test)
		if err != nil {
			return nil, perrors.NewConfigError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("cache group %q", key), err)
		}
		name := gc.Name
		if name == "" {
			name = key
		}
		p.Groups = append(p.Groups, CacheGroup{
			Key:       key,
			Name:      name,
			Test:      test,
			Priority:  gc.Priority,
			Enforce:   gc.Enforce,
			MinSize:   gc.MinSize,
			MinChunks: gc.MinChunks,
		})
	}
	sort.SliceStable(p.Groups, func(i, j int) bool {
		return p.Groups[i].Priority > p.Groups[j].Priority
	})

	return p, nil
}

// Chunk is a named group of modules destined for one output file.
type Chunk struct {
	Name     string
	Kind     ChunkKind
	Priority int
	Modules  []*graph.Module
	// Entries lists the entries whose pages need this chunk.
	Entries []string
	// Run holds, for entry chunks, the entry modules to execute on load.
	Run []*graph.Module
}

// Has reports whether the chunk contains the module at path.
func (c *Chunk) Has(path string) bool {
	for _, m := range c.Modules {
		if m.Path == path {
			return true
		}
	}

	return false
}

// Partition assigns every module of g to exactly one chunk and returns the
// chunks ordered runtime first, then cache groups by priority, then entries
// by name. Module.Chunk is set on g's modules.
func Partition(g *graph.Graph, p *Policy) ([]*Chunk, error) {
	entryOrder := make([]string, 0, len(g.Entries))
	reachedBy := make(map[string][]string)
	for _, e := range g.Entries {
		entryOrder = append(entryOrder, e.Name)
		reach := g.Reachable(e.Modules)
		for _, m := range g.Modules() {
			if reach[m.Path] {
				reachedBy[m.Path] = append(reachedBy[m.Path], e.Name)
			}
		}
	}

	chunks := make(map[string]*Chunk)
	var order []*Chunk
	chunkFor := func(name string, kind ChunkKind, priority int) (*Chunk, error) {
		if c, ok := chunks[name]; ok {
			if c.Kind == ChunkRuntime || kind == ChunkRuntime {
				return nil, perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("chunk name %q is used by the runtime chunk", name))
			}
			if kind == ChunkCacheGroup && priority > c.Priority {
				c.Priority = priority
			}

			return c, nil
		}
		c := &Chunk{Name: name, Kind: kind, Priority: priority}
		chunks[name] = c
		order = append(order, c)

		return c, nil
	}

	if p.RuntimeChunk != "" {
		if _, err := chunkFor(p.RuntimeChunk, ChunkRuntime, 0); err != nil {
			return nil, err
		}
	}
	for _, name := range entryOrder {
		if _, err := chunkFor(name, ChunkEntry, 0); err != nil {
			return nil, err
		}
	}

	for _, m := range g.Modules() {
		owners := reachedBy[m.Path]
		var group *CacheGroup
		for i := range p.Groups {
			cg := &p.Groups[i]
			if cg.Test.MatchString(filepath.ToSlash(m.Path)) && cg.accepts(m.Size(), len(owners)) {
				group = cg
				break
			}
		}

		var (
			c   *Chunk
			err error
		)
		switch {
		case group != nil:
			c, err = chunkFor(group.Name, ChunkCacheGroup, group.Priority)
		case len(owners) > 0:
			c, err = chunkFor(owners[0], ChunkEntry, 0)
		default:
			return nil, perrors.NewInternalError(perrors.ErrCodeInvalidValue, "module is not reachable from any entry", nil).WithPath(m.ID)
		}
		if err != nil {
			return nil, err
		}
		c.Modules = append(c.Modules, m)
		m.Chunk = c.Name
		for _, e := range owners {
			c.addEntry(e)
		}
	}

	for _, e := range g.Entries {
		c := chunks[e.Name]
		c.addEntry(e.Name)
		for _, path := range e.Modules {
			if m, ok := g.Module(path); ok {
				c.Run = append(c.Run, m)
			}
		}
	}
	if p.RuntimeChunk != "" {
		for _, name := range entryOrder {
			chunks[p.RuntimeChunk].addEntry(name)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Kind == ChunkCacheGroup && a.Priority != b.Priority {
			return a.Priority > b.Priority
		}

		return a.Name < b.Name
	})

	return order, nil
}

func (c *Chunk) addEntry(name string) {
	for _, e := range c.Entries {
		if e == name {
			return
		}
	}
	c.Entries = append(c.Entries, name)
}

// Verify checks that chunks partition g: every module is in exactly one
// chunk and the runtime chunk holds none.
func Verify(g *graph.Graph, chunks []*Chunk) error {
	owner := make(map[string]string, g.Len())
	for _, c := range chunks {
		if c.Kind == ChunkRuntime && len(c.Modules) > 0 {
			return fmt.Errorf("runtime chunk %s holds %d modules", c.Name, len(c.Modules))
		}
		for _, m := range c.Modules {
			if prev, dup := owner[m.Path]; dup {
				return fmt.Errorf("module %s is in chunks %s and %s", m.ID, prev, c.Name)
			}
			owner[m.Path] = c.Name
		}
	}
	for _, m := range g.Modules() {
		if _, ok := owner[m.Path]; !ok {
			return fmt.Errorf("module %s is in no chunk", m.ID)
		}
	}

	return nil
}
