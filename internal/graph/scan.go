package graph

import (
	"regexp"
	"sort"
	"strings"

	"github.com/conneroisu/assetpipe/internal/rules"
)

var scriptImportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)(?:^|[^.\w$])import\s+(?:[\w*{}\s,$]+?\s+from\s+)?["']([^"'\n]+)["']`),
	regexp.MustCompile(`(?m)(?:^|[^.\w$])export\s+(?:\*|\{[^}]*\})(?:\s+as\s+[\w$]+)?\s+from\s+["']([^"'\n]+)["']`),
	regexp.MustCompile(`(?:^|[^.\w$])require\s*\(\s*["']([^"'\n]+)["']\s*\)`),
	regexp.MustCompile(`(?:^|[^.\w$])import\s*\(\s*["']([^"'\n]+)["']\s*\)`),
}

var styleImportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`@import\s+(?:url\(\s*)?["']?([^"')\s;]+)["']?`),
	regexp.MustCompile(`url\(\s*["']?([^"')]+?)["']?\s*\)`),
}

// scanImports returns the static import specifiers of a transformed unit in
// source order, without duplicates.
func scanImports(unit rules.Unit) []string {
	var patterns []*regexp.Regexp
	switch unit.Kind {
	case rules.KindScript:
		if unit.DataURI != "" {
			return nil
		}
		patterns = scriptImportPatterns
	case rules.KindStyle:
		patterns = styleImportPatterns
	default:
		return nil
	}

	type hit struct {
		pos  int
		spec string
	}
	var hits []hit
	src := string(unit.Content)
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(src, -1) {
			spec := strings.TrimSpace(src[m[2]:m[3]])
			if isExternal(spec) {
				continue
			}
			hits = append(hits, hit{pos: m[2], spec: spec})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool, len(hits))
	specs := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h.spec] {
			continue
		}
		seen[h.spec] = true
		specs = append(specs, h.spec)
	}

	return specs
}

func isExternal(spec string) bool {
	if spec == "" || strings.Contains(spec, "${") {
		return true
	}
	for _, prefix := range []string{"data:", "http:", "https:", "//", "#", "about:", "mailto:"} {
		if strings.HasPrefix(spec, prefix) {
			return true
		}
	}

	return false
}
