package emit

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/conneroisu/assetpipe/internal/config"
)

// Templates are the file name templates of a build.
type Templates struct {
	Filename         string
	ChunkFilename    string
	CSSFilename      string
	CSSChunkFilename string
	AssetFilename    string
	PublicPath       string
}

// TemplatesFrom reads the templates from an output configuration.
func TemplatesFrom(out config.OutputConfig) Templates {
	return Templates{
		Filename:         out.Filename,
		ChunkFilename:    out.ChunkFilename,
		CSSFilename:      out.CSSFilename,
		CSSChunkFilename: out.CSSChunkFilename,
		AssetFilename:    out.AssetFilename,
		PublicPath:       out.PublicPath,
	}
}

var hashToken = regexp.MustCompile(`\[(?:hash|chunkhash|contenthash)(?::\d+)?\]`)

// ContentHash returns the hex xxhash of content.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// nameData feeds template expansion.
type nameData struct {
	Name string
	Ext  string
	Hash string
}

// StableTemplate removes hash tokens and one adjoining separator so names
// stay the same across development rebuilds.
func StableTemplate(tmpl string) string {
	locs := hashToken.FindAllStringIndex(tmpl, -1)
	if len(locs) == 0 {
		return tmpl
	}

	var b strings.Builder
	cursor := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if start < cursor {
			continue
		}
		switch {
		case start > cursor && isSeparator(tmpl[start-1]):
			start--
		case end < len(tmpl) && isSeparator(tmpl[end]):
			end++
		}
		b.WriteString(tmpl[cursor:start])
		cursor = end
	}
	b.WriteString(tmpl[cursor:])

	return b.String()
}

func isSeparator(c byte) bool {
	return c == '.' || c == '-' || c == '_'
}

// expand substitutes placeholders. It reports whether the result carries a
// hash segment.
func expand(tmpl string, d nameData, development bool) (string, bool, error) {
	if development {
		tmpl = StableTemplate(tmpl)
	}

	hashed := false
	var expandErr error
	out := config.PlaceholderPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		m := config.PlaceholderPattern.FindStringSubmatch(token)
		switch m[1] {
		case "name":
			return d.Name
		case "ext":
			return d.Ext
		case "hash", "chunkhash", "contenthash":
			hashed = true
			n := config.MaxHashLength
			if m[2] != "" {
				n, _ = strconv.Atoi(m[2])
			}
			if n < 1 || n > len(d.Hash) {
				n = len(d.Hash)
			}

			return d.Hash[:n]
		default:
			expandErr = fmt.Errorf("unknown placeholder %s", token)
			return token
		}
	})
	if expandErr != nil {
		return "", false, expandErr
	}

	return path.Clean(out), hashed, nil
}

// splitName returns the base name without extension and the extension
// without its dot.
func splitName(p string) (string, string) {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	ext := path.Ext(base)

	return strings.TrimSuffix(base, ext), strings.TrimPrefix(ext, ".")
}
