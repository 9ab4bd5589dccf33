package emit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/optimize"
	"github.com/conneroisu/assetpipe/internal/rules"
)

func testTemplates() Templates {
	return Templates{
		Filename:         config.DefaultFilename,
		ChunkFilename:    config.DefaultFilename,
		CSSFilename:      config.DefaultCSSFilename,
		CSSChunkFilename: config.DefaultCSSFilename,
		AssetFilename:    config.DefaultAssetFilename,
		PublicPath:       "/",
	}
}

func script(id, content string) *graph.Module {
	return &graph.Module{ID: id, Path: "/app/" + id, Kind: rules.KindScript, Content: []byte(content)}
}

func entryChunk(name string, modules ...*graph.Module) *optimize.Chunk {
	return &optimize.Chunk{
		Name:    name,
		Kind:    optimize.ChunkEntry,
		Modules: modules,
		Entries: []string{name},
		Run:     modules[:1],
	}
}

func findArtifact(t *testing.T, artifacts []Artifact, name string, kind ArtifactKind) Artifact {
	t.Helper()
	for _, a := range artifacts {
		if a.Name == name && a.Kind == kind {
			return a
		}
	}
	t.Fatalf("artifact %s (%s) not found", name, kind)

	return Artifact{}
}

func TestStableTemplate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"static/js/[name].[chunkhash:10].js", "static/js/[name].js"},
		{"[name]-[hash].css", "[name].css"},
		{"[hash:8].[name].js", "[name].js"},
		{"[name].js", "[name].js"},
		{"[name].[hash:4].[contenthash:6].js", "[name].js"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StableTemplate(tt.in))
		})
	}
}

func TestExpand(t *testing.T) {
	d := nameData{Name: "main", Ext: "js", Hash: "0123456789abcdef"}

	got, hashed, err := expand("static/js/[name].[chunkhash:10].[ext]", d, false)
	require.NoError(t, err)
	assert.Equal(t, "static/js/main.0123456789.js", got)
	assert.True(t, hashed)

	got, hashed, err = expand("static/js/[name].[chunkhash:10].[ext]", d, true)
	require.NoError(t, err)
	assert.Equal(t, "static/js/main.js", got)
	assert.False(t, hashed)

	got, _, err = expand("[name].[hash].js", d, false)
	require.NoError(t, err)
	assert.Equal(t, "main.0123456789abcdef.js", got)

	_, _, err = expand("[name].[id].js", d, false)
	assert.Error(t, err)
}

func TestEmitDevelopmentNamesAreStable(t *testing.T) {
	opts := Options{Templates: testTemplates(), Mode: config.ModeDevelopment}

	first, err := New(opts).Emit(context.Background(), []*optimize.Chunk{entryChunk("main", script("src/index.js", "console.log(1);"))})
	require.NoError(t, err)
	second, err := New(opts).Emit(context.Background(), []*optimize.Chunk{entryChunk("main", script("src/index.js", "console.log(2);"))})
	require.NoError(t, err)

	a := findArtifact(t, first, "main", KindScript)
	b := findArtifact(t, second, "main", KindScript)
	assert.Equal(t, "static/js/main.js", a.FileName)
	assert.Equal(t, a.FileName, b.FileName)
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.False(t, a.Hashed)
}

func TestEmitProductionHashFollowsContent(t *testing.T) {
	opts := Options{Templates: testTemplates(), Mode: config.ModeProduction}
	emit := func(content string) Artifact {
		artifacts, err := New(opts).Emit(context.Background(), []*optimize.Chunk{entryChunk("main", script("src/index.js", content))})
		require.NoError(t, err)

		return findArtifact(t, artifacts, "main", KindScript)
	}

	a := emit("console.log(1);")
	b := emit("console.log(1);")
	c := emit("console.log(2);")

	assert.True(t, a.Hashed)
	assert.Equal(t, a.FileName, b.FileName)
	assert.NotEqual(t, a.FileName, c.FileName)
	assert.Equal(t, "static/js/main."+a.Hash[:10]+".js", a.FileName)
}

func TestEmitCopiesStandaloneAsset(t *testing.T) {
	svg := []byte("<svg xmlns=\"http://www.w3.org/2000/svg\"></svg>")
	image := &graph.Module{ID: "src/image.svg", Path: "/app/src/image.svg", Kind: rules.KindAsset, Deferred: true}
	index := script("src/index.js", `var img = require("./image.svg");`)
	index.Requests = []graph.Request{{Specifier: "./image.svg", Path: image.Path}}

	e := New(Options{
		Templates: testTemplates(),
		Mode:      config.ModeProduction,
		ReadFile: func(path string) ([]byte, error) {
			require.Equal(t, image.Path, path)
			return svg, nil
		},
	})
	artifacts, err := e.Emit(context.Background(), []*optimize.Chunk{entryChunk("main", index, image)})
	require.NoError(t, err)

	media := findArtifact(t, artifacts, "src/image.svg", KindMedia)
	assert.Equal(t, svg, media.Content)
	assert.Equal(t, "static/media/image."+ContentHash(svg)[:10]+".svg", media.FileName)

	main := findArtifact(t, artifacts, "main", KindScript)
	assert.Contains(t, string(main.Content), `module.exports = "/`+media.FileName+`";`)
	assert.Contains(t, string(main.Content), `{"./image.svg":"src/image.svg"}`)
}

func TestEmitUnreadableDeferredModule(t *testing.T) {
	image := &graph.Module{ID: "src/image.svg", Path: "/app/src/image.svg", Kind: rules.KindAsset, Deferred: true}
	e := New(Options{
		Templates: testTemplates(),
		Mode:      config.ModeProduction,
		ReadFile: func(string) ([]byte, error) {
			return nil, os.ErrPermission
		},
	})

	artifacts, err := e.Emit(context.Background(), []*optimize.Chunk{entryChunk("main", script("src/index.js", ""), image)})
	require.Error(t, err)
	assert.Nil(t, artifacts)

	var emitErr *perrors.EmitError
	require.True(t, errors.As(err, &emitErr))
	assert.Equal(t, "hash", emitErr.Op)
	assert.Equal(t, "src/image.svg", emitErr.Artifact)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, perrors.ErrorTypeEmit, perrors.Kind(err))
}

func TestEmitExtractsStylesheet(t *testing.T) {
	logo := &graph.Module{ID: "src/logo.png", Path: "/app/src/logo.png", Kind: rules.KindAsset,
		Content: []byte("png"), Emit: &rules.Emission{Name: "[name].[hash:8].[ext]", OutputPath: "static/media"}}
	icon := &graph.Module{ID: "src/icon.png", Path: "/app/src/icon.png", Kind: rules.KindScript,
		DataURI: "data:image/png;base64,aWNvbg==", Content: []byte(`module.exports = "data:image/png;base64,aWNvbg==";`)}
	base := &graph.Module{ID: "src/base.css", Path: "/app/src/base.css", Kind: rules.KindStyle,
		Content: []byte("body { margin: 0; }\n")}
	app := &graph.Module{ID: "src/app.css", Path: "/app/src/app.css", Kind: rules.KindStyle,
		Content: []byte("@import \"./base.css\";\n.logo { background: url(./logo.png); }\n.icon { background: url('./icon.png'); }\n"),
		Requests: []graph.Request{
			{Specifier: "./base.css", Path: base.Path},
			{Specifier: "./logo.png", Path: logo.Path},
			{Specifier: "./icon.png", Path: icon.Path},
		}}
	index := script("src/index.js", `require("./app.css");`)
	index.Requests = []graph.Request{{Specifier: "./app.css", Path: app.Path}}

	tmpl := testTemplates()
	tmpl.PublicPath = "./"
	artifacts, err := New(Options{Templates: tmpl, Mode: config.ModeDevelopment}).
		Emit(context.Background(), []*optimize.Chunk{entryChunk("main", index, app, logo, icon, base)})
	require.NoError(t, err)

	css := findArtifact(t, artifacts, "main", KindStylesheet)
	assert.Equal(t, "static/css/main.css", css.FileName)
	content := string(css.Content)
	assert.NotContains(t, content, "@import")
	assert.Less(t, strings.Index(content, "margin: 0"), strings.Index(content, ".logo"))
	assert.Contains(t, content, `url("../media/logo.png")`)
	assert.Contains(t, content, `url("data:image/png;base64,aWNvbg==")`)

	findArtifact(t, artifacts, "src/logo.png", KindMedia)
}

func TestEmitRuntimeChunk(t *testing.T) {
	vendor := &optimize.Chunk{Name: "vendor", Kind: optimize.ChunkCacheGroup, Modules: []*graph.Module{script("node_modules/lib/index.js", "module.exports = 1;")}}
	runtime := &optimize.Chunk{Name: "runtime", Kind: optimize.ChunkRuntime}
	main := entryChunk("main", script("src/index.js", "require('lib');"))

	artifacts, err := New(Options{Templates: testTemplates(), Mode: config.ModeDevelopment}).
		Emit(context.Background(), []*optimize.Chunk{runtime, vendor, main})
	require.NoError(t, err)
	require.Len(t, artifacts, 3)

	assert.Equal(t, RuntimeScript(), findArtifact(t, artifacts, "runtime", KindScript).Content)
	mainScript := string(findArtifact(t, artifacts, "main", KindScript).Content)
	assert.NotContains(t, mainScript, "global.assetpipe = ")
	assert.True(t, strings.HasSuffix(mainScript, `["src/index.js"]]);`+"\n"))
}

func TestEmitPrefixesGlueWithoutRuntimeChunk(t *testing.T) {
	artifacts, err := Emit([]*optimize.Chunk{entryChunk("main", script("src/index.js", ""))}, testTemplates(), config.ModeDevelopment)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(artifacts[0].Content), runtimeGlue))
}

func TestEmitNameCollision(t *testing.T) {
	tmpl := testTemplates()
	tmpl.Filename = "bundle.js"

	_, err := Emit([]*optimize.Chunk{
		entryChunk("admin", script("src/admin.js", "a")),
		entryChunk("main", script("src/main.js", "b")),
	}, tmpl, config.ModeProduction)
	require.Error(t, err)

	var emitErr *perrors.EmitError
	require.True(t, errors.As(err, &emitErr))
	assert.Equal(t, "name", emitErr.Op)
}

func TestStylesheetURL(t *testing.T) {
	assert.Equal(t, "../media/a.png", stylesheetURL("./static/media/a.png", "static/css/main.css", "./"))
	assert.Equal(t, "media/a.png", stylesheetURL("media/a.png", "main.css", ""))
	assert.Equal(t, "/static/media/a.png", stylesheetURL("/static/media/a.png", "static/css/main.css", "/"))
	assert.Equal(t, "https://cdn.example.com/a.png", stylesheetURL("https://cdn.example.com/a.png", "main.css", "https://cdn.example.com/"))
}

func TestWriterReplacesOutput(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "dist")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stale.js"), []byte("old"), 0644))

	w := NewWriter()
	err := w.Write(context.Background(), []Artifact{
		NewArtifact("main", KindScript, "static/js/main.js", []byte("main")),
		NewArtifact("index", KindHTML, "index.html", []byte("<html></html>")),
	}, root, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "static", "js", "main.js"))
	require.NoError(t, err)
	assert.Equal(t, "main", string(got))
	assert.NoFileExists(t, filepath.Join(root, "stale.js"))
	assert.NoFileExists(t, root+".lock")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging and backup directories are removed")
}

func TestWriterKeepsPreviousOutputOnFailure(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "dist")
	w := NewWriter()
	require.NoError(t, w.Write(context.Background(), []Artifact{
		NewArtifact("main", KindScript, "main.js", []byte("good")),
	}, root, nil))

	err := w.Write(context.Background(), []Artifact{
		NewArtifact("main", KindScript, "main.js", []byte("new")),
		NewArtifact("evil", KindMedia, "../evil.txt", []byte("x")),
	}, root, nil)
	require.Error(t, err)

	var emitErr *perrors.EmitError
	require.True(t, errors.As(err, &emitErr))

	got, err := os.ReadFile(filepath.Join(root, "main.js"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(got))
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriterCleansExtraPaths(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "reports")
	require.NoError(t, os.MkdirAll(extra, 0755))

	require.NoError(t, NewWriter().Write(context.Background(), nil, filepath.Join(dir, "dist"), []string{"reports"}))
	assert.NoDirExists(t, extra)
	assert.DirExists(t, filepath.Join(dir, "dist"))
}

func TestWriterRespectsLock(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "dist")
	require.NoError(t, os.WriteFile(root+".lock", []byte("1\n"), 0644))

	err := NewWriter().Write(context.Background(), nil, root, nil)
	require.Error(t, err)

	var pe *perrors.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, perrors.ErrCodeOutputLocked, pe.Code)
	assert.NoDirExists(t, root)
}
