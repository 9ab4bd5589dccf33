package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	"github.com/conneroisu/assetpipe/internal/optimize"
	"github.com/conneroisu/assetpipe/internal/plugins"
)

const defaultDocument = `<!DOCTYPE html><html><head><meta charset="utf-8"><title></title></head><body></body></html>`

// HTMLPlugin renders an HTML document that loads the final chunk list.
type HTMLPlugin struct {
	template string
	filename string
	title    string
	hash     bool
	chunks   map[string]bool
}

// NewHTMLPlugin creates the plugin. Options: template, filename, title,
// hash, chunks (entry names to include).
func NewHTMLPlugin(opts config.Options) (plugins.Plugin, error) {
	p := &HTMLPlugin{
		template: opts.String("template", ""),
		filename: opts.String("filename", "index.html"),
		title:    opts.String("title", ""),
		hash:     opts.Bool("hash", false),
	}
	if strings.Contains(p.filename, "..") {
		return nil, fmt.Errorf("filename %q escapes the output directory", p.filename)
	}
	if names := opts.Strings("chunks"); len(names) > 0 {
		p.chunks = make(map[string]bool, len(names))
		for _, n := range names {
			p.chunks[n] = true
		}
	}

	return p, nil
}

func (p *HTMLPlugin) Name() string { return "html" }

func (p *HTMLPlugin) Points() []plugins.Point {
	return []plugins.Point{plugins.PointPostEmit}
}

func (p *HTMLPlugin) Apply(ctx context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	source := []byte(defaultDocument)
	desc := hc.Description()
	if p.template != "" {
		path := p.template
		if desc != nil {
			path = desc.ResolvePath(p.template)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template: %w", err)
		}
		source = raw
	}

	doc, err := html.Parse(bytes.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	head, body := findElement(doc, atom.Head), findElement(doc, atom.Body)
	if head == nil || body == nil {
		return fmt.Errorf("template has no head or body")
	}
	if p.title != "" {
		setTitle(head, p.title)
	}

	publicPath := ""
	if desc != nil {
		publicPath = desc.Output.PublicPath
	}
	url := func(a emit.Artifact) string {
		u := publicPath + a.FileName
		if p.hash && hc.BuildHash() != "" {
			u += "?" + hc.BuildHash()
		}

		return u
	}

	for _, a := range p.tags(hc) {
		switch a.Kind {
		case emit.KindStylesheet:
			head.AppendChild(element(atom.Link, "rel", "stylesheet", "href", url(a), "data-chunk", a.Chunk))
		case emit.KindScript:
			if a.Chunk == "" {
				body.AppendChild(element(atom.Script, "src", url(a)))
			} else {
				body.AppendChild(element(atom.Script, "src", url(a), "data-chunk", a.Chunk))
			}
		}
	}

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	hc.Logger().Debug(ctx, "Rendered HTML document", "filename", p.filename)

	return hc.Emit(emit.NewArtifact(p.filename, emit.KindHTML, p.filename, out.Bytes()))
}

// tags returns the stylesheets and scripts to reference, in chunk order,
// followed by scripts appended by plugins.
func (p *HTMLPlugin) tags(hc *plugins.HookContext) []emit.Artifact {
	artifacts := hc.Artifacts()
	byChunk := make(map[string][]emit.Artifact)
	var extra []emit.Artifact
	for _, a := range artifacts {
		switch {
		case a.Chunk != "" && (a.Kind == emit.KindScript || a.Kind == emit.KindStylesheet):
			byChunk[a.Chunk] = append(byChunk[a.Chunk], a)
		case a.Chunk == "" && a.Kind == emit.KindScript && a.Plugin != "":
			extra = append(extra, a)
		}
	}

	var out []emit.Artifact
	for _, c := range hc.Chunks() {
		if !p.includes(c) {
			continue
		}
		out = append(out, byChunk[c.Name]...)
	}

	return append(out, extra...)
}

func (p *HTMLPlugin) includes(c *optimize.Chunk) bool {
	if p.chunks == nil || c.Kind == optimize.ChunkRuntime {
		return true
	}
	for _, e := range c.Entries {
		if p.chunks[e] {
			return true
		}
	}

	return false
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}

	return nil
}

func setTitle(head *html.Node, title string) {
	t := findElement(head, atom.Title)
	if t == nil {
		t = element(atom.Title)
		head.AppendChild(t)
	}
	for t.FirstChild != nil {
		t.RemoveChild(t.FirstChild)
	}
	t.AppendChild(&html.Node{Type: html.TextNode, Data: title})
}

func element(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}

	return n
}
