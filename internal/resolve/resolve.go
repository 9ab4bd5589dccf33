// Package resolve maps module specifiers to files on disk using aliases,
// search roots and the recognized extensions of a build description.
package resolve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

type alias struct {
	key    string
	target string
}

// Resolver resolves specifiers relative to a project context directory.
type Resolver struct {
	context    string
	aliases    []alias
	roots      []string
	extensions []string
}

// New creates a resolver from the resolve policy. Relative alias targets and
// search roots are taken from contextDir.
func New(policy config.ResolveConfig, contextDir string) *Resolver {
	r := &Resolver{
		context:    contextDir,
		extensions: append([]string(nil), policy.Extensions...),
	}

	for key, target := range policy.Alias {
		r.aliases = append(r.aliases, alias{key: strings.TrimSuffix(key, "$"), target: r.abs(target)})
	}
	// Longest alias first so "@/img" wins over "@".
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].key) != len(r.aliases[j].key) {
			return len(r.aliases[i].key) > len(r.aliases[j].key)
		}

		return r.aliases[i].key < r.aliases[j].key
	})

	for _, root := range policy.Modules {
		r.roots = append(r.roots, r.abs(root))
	}

	return r
}

func (r *Resolver) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(r.context, filepath.FromSlash(p))
}

// Context returns the project directory the resolver works in.
func (r *Resolver) Context() string {
	return r.context
}

// Resolve maps specifier, imported from a file in fromDir, to an absolute
// file path. It fails with an UnresolvedModuleError when no candidate exists.
func (r *Resolver) Resolve(specifier, fromDir string) (string, error) {
	if fromDir == "" {
		fromDir = r.context
	}

	spec := specifier
	if i := strings.IndexAny(spec, "?#"); i > 0 {
		spec = spec[:i]
	}

	var bases []string
	switch {
	case r.applyAlias(&spec):
		bases = []string{spec}
	case filepath.IsAbs(spec):
		bases = []string{filepath.Clean(spec)}
	case isRelative(spec):
		bases = []string{filepath.Join(fromDir, filepath.FromSlash(spec))}
	default:
		for _, root := range r.roots {
			bases = append(bases, filepath.Join(root, filepath.FromSlash(spec)))
		}
	}

	var tried []string
	for _, base := range bases {
		if path, ok := r.tryFile(base, &tried); ok {
			return path, nil
		}
		if path, ok := r.tryDirectory(base, &tried); ok {
			return path, nil
		}
	}

	return "", &perrors.UnresolvedModuleError{Specifier: specifier, Importer: fromDir, Tried: tried}
}

func (r *Resolver) applyAlias(spec *string) bool {
	for _, a := range r.aliases {
		if *spec == a.key {
			*spec = a.target
			return true
		}
		if strings.HasPrefix(*spec, a.key+"/") {
			*spec = filepath.Join(a.target, filepath.FromSlash(strings.TrimPrefix(*spec, a.key+"/")))
			return true
		}
	}

	return false
}

func (r *Resolver) tryFile(base string, tried *[]string) (string, bool) {
	*tried = append(*tried, base)
	if isFile(base) {
		return base, true
	}
	for _, ext := range r.extensions {
		candidate := base + ext
		*tried = append(*tried, candidate)
		if isFile(candidate) {
			return candidate, true
		}
	}

	return "", false
}

func (r *Resolver) tryDirectory(base string, tried *[]string) (string, bool) {
	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return "", false
	}

	if main := packageMain(base); main != "" {
		if path, ok := r.tryFile(filepath.Join(base, filepath.FromSlash(main)), tried); ok {
			return path, true
		}
	}

	return r.tryFile(filepath.Join(base, "index"), tried)
}

// packageMain returns the main field of a package.json in dir, if any.
func packageMain(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}

	return pkg.Main
}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

func isFile(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// IsThirdParty reports whether path lies inside a node_modules tree.
func IsThirdParty(path string) bool {
	return strings.Contains(filepath.ToSlash(path), "/node_modules/")
}
