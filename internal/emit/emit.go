package emit

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/optimize"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// Options configures an Emitter.
type Options struct {
	Templates Templates
	Mode      config.Mode
	Logger    logging.Logger
	// ReadFile reads deferred modules. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Emitter names and renders artifacts.
type Emitter struct {
	opts   Options
	logger logging.Logger
}

// New creates an emitter.
func New(opts Options) *Emitter {
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Emitter{opts: opts, logger: logger.WithComponent("emit")}
}

// Emit renders chunks with the given templates and mode.
func Emit(chunks []*optimize.Chunk, t Templates, mode config.Mode) ([]Artifact, error) {
	return New(Options{Templates: t, Mode: mode}).Emit(context.Background(), chunks)
}

// emission accumulates artifacts and guards against name collisions.
type emission struct {
	artifacts []Artifact
	byName    map[string]int
}

func (s *emission) add(a Artifact) error {
	if i, ok := s.byName[a.FileName]; ok {
		if bytes.Equal(s.artifacts[i].Content, a.Content) {
			return nil
		}

		return &perrors.EmitError{
			Artifact: a.Name,
			Op:       "name",
			Cause:    fmt.Errorf("file name %s is already used by %s", a.FileName, s.artifacts[i].Name),
		}
	}
	s.byName[a.FileName] = len(s.artifacts)
	s.artifacts = append(s.artifacts, a)

	return nil
}

// Emit renders the chunk list into artifacts. Standalone files come first,
// then per chunk its stylesheet and its script, in chunk order. Either every
// artifact is produced or an *EmitError is returned.
func (e *Emitter) Emit(ctx context.Context, chunks []*optimize.Chunk) ([]Artifact, error) {
	development := e.opts.Mode == config.ModeDevelopment
	t := e.opts.Templates
	out := &emission{byName: make(map[string]int)}

	modules := make(map[string]*graph.Module)
	ids := make(map[string]string)
	for _, c := range chunks {
		for _, m := range c.Modules {
			modules[m.Path] = m
			ids[m.Path] = m.ID
		}
	}
	lookup := func(p string) (*graph.Module, bool) {
		m, ok := modules[p]
		return m, ok
	}

	urls := make(map[string]string)
	for _, c := range chunks {
		for _, m := range c.Modules {
			if !m.Standalone() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a, err := e.standalone(m, development)
			if err != nil {
				return nil, err
			}
			if err := out.add(a); err != nil {
				return nil, err
			}
			urls[m.Path] = t.PublicPath + a.FileName
		}
	}

	hasRuntimeChunk := false
	for _, c := range chunks {
		if c.Kind == optimize.ChunkRuntime {
			hasRuntimeChunk = true
		}
	}

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scriptTmpl, cssTmpl := t.Filename, t.CSSFilename
		if c.Kind == optimize.ChunkCacheGroup {
			scriptTmpl, cssTmpl = t.ChunkFilename, t.CSSChunkFilename
		}

		if styles := styleOrder(c.Modules); len(styles) > 0 {
			cssName, err := e.previewName(cssTmpl, c.Name, "css", development)
			if err != nil {
				return nil, err
			}
			content := renderStylesheet(styles, cssName, lookup, urls, t.PublicPath)
			a, err := e.named(c.Name, KindStylesheet, cssTmpl, "css", content, development)
			if err != nil {
				return nil, err
			}
			a.Chunk = c.Name
			if err := out.add(a); err != nil {
				return nil, err
			}
		}

		var content []byte
		switch {
		case c.Kind == optimize.ChunkRuntime:
			content = RuntimeScript()
		case len(c.Modules) == 0:
			continue
		default:
			content = renderScript([]string{c.Name}, c.Modules, c.Run, urls, ids)
			if c.Kind == optimize.ChunkEntry && !hasRuntimeChunk {
				content = append(RuntimeScript(), content...)
			}
		}

		a, err := e.named(c.Name, KindScript, scriptTmpl, "js", content, development)
		if err != nil {
			return nil, err
		}
		a.Chunk = c.Name
		if err := out.add(a); err != nil {
			return nil, err
		}
	}

	e.logger.Debug(ctx, "Emitted artifacts", "count", len(out.artifacts), "chunks", len(chunks))

	return out.artifacts, nil
}

func (e *Emitter) standalone(m *graph.Module, development bool) (Artifact, error) {
	content := m.Content
	if m.Deferred {
		raw, err := e.opts.ReadFile(m.Path)
		if err != nil {
			return Artifact{}, &perrors.EmitError{Artifact: m.ID, Op: "hash", Cause: err}
		}
		content = raw
	}

	tmpl := e.opts.Templates.AssetFilename
	if m.Emit != nil {
		tmpl = m.Emit.Template()
	}

	kind := KindMedia
	if m.Kind == rules.KindHTML {
		kind = KindHTML
	}

	name, ext := splitName(m.ID)
	fileName, hashed, err := expand(tmpl, nameData{Name: name, Ext: ext, Hash: ContentHash(content)}, development)
	if err != nil {
		return Artifact{}, &perrors.EmitError{Artifact: m.ID, Op: "name", Cause: err}
	}

	a := NewArtifact(m.ID, kind, fileName, content)
	a.Hashed = hashed

	return a, nil
}

func (e *Emitter) named(name string, kind ArtifactKind, tmpl, ext string, content []byte, development bool) (Artifact, error) {
	fileName, hashed, err := expand(tmpl, nameData{Name: name, Ext: ext, Hash: ContentHash(content)}, development)
	if err != nil {
		return Artifact{}, &perrors.EmitError{Artifact: name, Op: "name", Cause: err}
	}

	a := NewArtifact(name, kind, fileName, content)
	a.Hashed = hashed

	return a, nil
}

// previewName computes a file name before the content is known. It is only
// used for locating the file's directory, which never depends on the hash.
func (e *Emitter) previewName(tmpl, name, ext string, development bool) (string, error) {
	fileName, _, err := expand(tmpl, nameData{Name: name, Ext: ext, Hash: ContentHash(nil)}, development)
	if err != nil {
		return "", &perrors.EmitError{Artifact: name, Op: "name", Cause: err}
	}

	return fileName, nil
}
