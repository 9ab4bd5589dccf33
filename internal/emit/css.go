package emit

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/rules"
)

var (
	cssImportStatement = regexp.MustCompile(`@import\s+(?:url\(\s*)?["']?([^"')\s;]+)["']?\s*\)?[^;]*;[ \t]*\n?`)
	cssURL             = regexp.MustCompile(`url\(\s*["']?([^"')]+?)["']?\s*\)`)
)

// styleOrder returns the style modules of a chunk with imported stylesheets
// ahead of their importers.
func styleOrder(modules []*graph.Module) []*graph.Module {
	byPath := make(map[string]*graph.Module, len(modules))
	for _, m := range modules {
		if m.Kind == rules.KindStyle && !m.Standalone() {
			byPath[m.Path] = m
		}
	}

	var out []*graph.Module
	visited := make(map[string]bool, len(byPath))
	var visit func(m *graph.Module)
	visit = func(m *graph.Module) {
		if visited[m.Path] {
			return
		}
		visited[m.Path] = true
		for _, dep := range m.Imports() {
			if d, ok := byPath[dep]; ok {
				visit(d)
			}
		}
		out = append(out, m)
	}
	for _, m := range modules {
		if s, ok := byPath[m.Path]; ok {
			visit(s)
		}
	}

	return out
}

// renderStylesheet concatenates the style modules. Imports of bundled
// modules are dropped and url() references to emitted or inlined modules
// are rewritten.
func renderStylesheet(modules []*graph.Module, cssFile string, lookup func(path string) (*graph.Module, bool), urls map[string]string, publicPath string) []byte {
	var b strings.Builder
	for _, m := range modules {
		requests := make(map[string]string, len(m.Requests))
		for _, r := range m.Requests {
			requests[r.Specifier] = r.Path
		}

		src := cssImportStatement.ReplaceAllStringFunc(string(m.Content), func(stmt string) string {
			spec := cssImportStatement.FindStringSubmatch(stmt)[1]
			if _, ok := requests[spec]; ok {
				return ""
			}

			return stmt
		})
		src = cssURL.ReplaceAllStringFunc(src, func(ref string) string {
			spec := strings.TrimSpace(cssURL.FindStringSubmatch(ref)[1])
			target, ok := requests[spec]
			if !ok {
				return ref
			}
			dep, ok := lookup(target)
			if !ok {
				return ref
			}
			if dep.DataURI != "" {
				return `url("` + dep.DataURI + `")`
			}
			if u, ok := urls[target]; ok {
				return `url("` + stylesheetURL(u, cssFile, publicPath) + `")`
			}

			return ref
		})

		b.WriteString("/* " + m.ID + " */\n")
		b.WriteString(strings.TrimRight(src, "\n"))
		b.WriteString("\n")
	}

	return []byte(b.String())
}

// stylesheetURL makes a public URL usable from inside a stylesheet. URLs
// under a relative public path are resolved against the stylesheet's own
// directory.
func stylesheetURL(publicURL, cssFile, publicPath string) string {
	if !isRelativePublicPath(publicPath) {
		return publicURL
	}

	target := strings.TrimPrefix(publicURL, publicPath)
	rel, err := filepath.Rel(filepath.FromSlash(path.Dir(cssFile)), filepath.FromSlash(target))
	if err != nil {
		return publicURL
	}

	return filepath.ToSlash(rel)
}

func isRelativePublicPath(p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "://") {
		return false
	}

	return true
}
