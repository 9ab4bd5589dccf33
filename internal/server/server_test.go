package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/build"
	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/rules"
	pws "github.com/conneroisu/assetpipe/internal/websocket"
)

// fakeBuilder returns canned results and records rebuild requests.
type fakeBuilder struct {
	mu      sync.Mutex
	calls   [][]string
	run     func() (*build.Result, error)
	rebuild func(changed []string) (*build.Result, error)
}

func (f *fakeBuilder) Run(context.Context) (*build.Result, error) {
	if f.run == nil {
		return resultOf(emit.NewArtifact("main", emit.KindScript, "static/js/main.js", []byte("main();"))), nil
	}

	return f.run()
}

func (f *fakeBuilder) Rebuild(_ context.Context, changed []string) (*build.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, changed)
	f.mu.Unlock()
	if f.rebuild == nil {
		return f.Run(context.Background())
	}

	return f.rebuild(changed)
}

func (f *fakeBuilder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func resultOf(artifacts ...emit.Artifact) *build.Result {
	return &build.Result{
		Artifacts: artifacts,
		BuildHash: build.BuildHash(artifacts),
		Updated:   []string{"main"},
	}
}

const devDocument = `
entry:
  main: [./src/index.js]
rules:
  - test: '\.js$'
    use: [{step: check}]
dev_server:
  headers:
    X-Served-By: assetpipe
`

func devDescription(t *testing.T, root string, document string) *config.BuildDescription {
	t.Helper()
	doc, err := config.ParseDocument([]byte(document))
	require.NoError(t, err)
	desc, err := config.FromDocument(doc, config.ModeDevelopment, root, nil)
	require.NoError(t, err)

	return desc
}

func startServer(t *testing.T, desc *config.BuildDescription, builder Builder, opts Options) (*DevServer, *httptest.Server) {
	t.Helper()
	opts.NoWatch = true
	s, err := New(desc, builder, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = s.Shutdown(shutdownCtx)
		srv.Close()
	})

	return s, srv
}

func connect(t *testing.T, s *DevServer, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + SocketPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	require.Eventually(t, func() bool { return s.Status().Clients == 1 }, 2*time.Second, 10*time.Millisecond)

	return conn
}

func nextNotification(t *testing.T, conn *websocket.Conn, wait time.Duration) (pws.Notification, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	var n pws.Notification
	_, data, err := conn.Read(ctx)
	if err != nil {
		return n, err
	}
	require.NoError(t, json.Unmarshal(data, &n))

	return n, nil
}

func get(t *testing.T, url string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestStateTransitions(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	record := func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+">"+to.String())
	}

	fb := &fakeBuilder{rebuild: func([]string) (*build.Result, error) {
		return nil, &perrors.TransformError{File: "src/index.js", Step: "check", Cause: errors.New("unexpected token")}
	}}
	s, _ := startServer(t, devDescription(t, t.TempDir(), devDocument), fb, Options{OnState: record})
	assert.Equal(t, StateServing, s.State())

	s.Changed([]string{"/p/src/index.js"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"idle>building",
		"building>serving",
		"serving>rebuilding",
		"rebuilding>failed",
		"failed>serving",
	}, transitions)
	assert.Error(t, s.LastError())
	assert.Equal(t, 1, s.Store().Len())
}

func TestChangesDuringRebuildCoalesce(t *testing.T) {
	started := make(chan []string)
	release := make(chan struct{})
	fb := &fakeBuilder{}
	fb.rebuild = func(changed []string) (*build.Result, error) {
		started <- changed
		<-release
		return fb.Run(context.Background())
	}
	s, _ := startServer(t, devDescription(t, t.TempDir(), devDocument), fb, Options{})

	s.Changed([]string{"/p/src/a.js"})
	select {
	case changed := <-started:
		assert.Equal(t, []string{"/p/src/a.js"}, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("first rebuild did not start")
	}

	s.Changed([]string{"/p/src/c.js"})
	time.Sleep(10 * time.Millisecond)
	s.Changed([]string{"/p/src/b.js", "/p/src/c.js"})
	release <- struct{}{}

	select {
	case changed := <-started:
		assert.Equal(t, []string{"/p/src/b.js", "/p/src/c.js"}, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up rebuild did not start")
	}
	release <- struct{}{}

	assert.Never(t, func() bool { return fb.callCount() > 2 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(2), s.Rebuilds())
	assert.Eventually(t, func() bool { return s.State() == StateServing }, time.Second, 10*time.Millisecond)
}

func TestStartReturnsFatalErrors(t *testing.T) {
	fb := &fakeBuilder{run: func() (*build.Result, error) {
		return nil, &perrors.UnresolvedModuleError{Specifier: "./missing", Importer: "src/index.js"}
	}}
	s, err := New(devDescription(t, t.TempDir(), devDocument), fb, Options{NoWatch: true})
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.IsUnresolved(err))
}

func TestStartSurvivesTransformError(t *testing.T) {
	fb := &fakeBuilder{run: func() (*build.Result, error) {
		return nil, &perrors.TransformError{File: "src/index.js", Step: "check", Cause: errors.New("unexpected token")}
	}}
	s, srv := startServer(t, devDescription(t, t.TempDir(), devDocument), fb, Options{})

	assert.Equal(t, StateFailed, s.State())
	resp, _ := get(t, srv.URL+"/static/js/main.js", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	fb.run = nil
	s.Changed([]string{"/p/src/index.js"})
	assert.Eventually(t, func() bool { return s.State() == StateServing }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, s.LastError())
}

func TestServesArtifacts(t *testing.T) {
	fb := &fakeBuilder{run: func() (*build.Result, error) {
		return resultOf(
			emit.NewArtifact("main", emit.KindScript, "static/js/main.js", []byte("console.log('main');")),
			emit.NewArtifact("index.html", emit.KindHTML, "index.html", []byte("<!DOCTYPE html><title>app</title>")),
		), nil
	}}
	_, srv := startServer(t, devDescription(t, t.TempDir(), devDocument), fb, Options{})

	resp, body := get(t, srv.URL+"/static/js/main.js", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('main');", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Equal(t, "assetpipe", resp.Header.Get("X-Served-By"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp, _ = get(t, srv.URL+"/static/js/main.js", http.Header{"If-None-Match": []string{etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, body = get(t, srv.URL+"/static/js/main.js", http.Header{"Range": []string{"bytes=0-6"}})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "console", string(body))

	resp, body = get(t, srv.URL+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<title>app</title>")

	resp, _ = get(t, srv.URL+"/static/js/other.js", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServesContentBaseAndProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "api:"+r.URL.Path)
	}))
	defer backend.Close()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "public"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "public", "robots.txt"), []byte("User-agent: *"), 0o644))

	document := devDocument + `  content_base: public
  proxy:
    /api: ` + backend.URL + "\n"
	_, srv := startServer(t, devDescription(t, root, document), &fakeBuilder{}, Options{})

	resp, body := get(t, srv.URL+"/robots.txt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "User-agent: *", string(body))

	resp, body = get(t, srv.URL+"/api/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api:/api/users", string(body))

	resp, _ = get(t, srv.URL+"/apiary", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompressesResponses(t *testing.T) {
	large := strings.Repeat("var x = 1;\n", 512)
	fb := &fakeBuilder{run: func() (*build.Result, error) {
		return resultOf(emit.NewArtifact("main", emit.KindScript, "static/js/main.js", []byte(large))), nil
	}}
	_, srv := startServer(t, devDescription(t, t.TempDir(), devDocument+"  compress: true\n"), fb, Options{})

	resp, body := get(t, srv.URL+"/static/js/main.js", http.Header{"Accept-Encoding": []string{"gzip"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Less(t, len(body), len(large))
}

func TestStatusEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := build.NewBuildMetrics(reg)
	metrics.RecordBuild(&build.Result{Duration: time.Millisecond}, nil)

	s, srv := startServer(t, devDescription(t, t.TempDir(), devDocument), &fakeBuilder{}, Options{
		Metrics:  metrics,
		Gatherer: reg,
	})

	resp, body := get(t, srv.URL+StatusPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, StateServing, s.State())
	assert.Equal(t, []string{"static/js/main.js"}, st.Artifacts)
	assert.Equal(t, "development", st.Mode)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, int64(1), st.Metrics.TotalBuilds)
	assert.Contains(t, string(body), `"state":"serving"`)

	resp, body = get(t, srv.URL+StatusPagePath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "static/js/main.js")
	assert.Contains(t, string(body), "state-serving")

	resp, body = get(t, srv.URL+MetricsPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "assetpipe_builds_total")
}

// checkStep fails on sources containing SYNTAX ERROR.
func checkStep(_ context.Context, in rules.Unit, _ config.Options) (rules.Unit, error) {
	if strings.Contains(string(in.Content), "SYNTAX ERROR") {
		return rules.Unit{}, errors.New("unexpected token")
	}

	return in, nil
}

func TestTransformErrorKeepsServingLastGood(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"src/index.js": "var util = require('./util.js');\nutil();\n",
		"src/util.js":  "module.exports = function () {};\n",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	steps := rules.DefaultRegistry()
	require.NoError(t, steps.Register(rules.StepFunc{StepName: "check", Fn: checkStep}))
	desc := devDescription(t, root, devDocument)
	compiler, err := build.NewCompiler(build.Options{Description: desc, Steps: steps})
	require.NoError(t, err)

	s, srv := startServer(t, desc, compiler, Options{})
	conn := connect(t, s, srv)

	before := map[string][]byte{}
	for _, name := range s.Store().FileNames() {
		resp, body := get(t, srv.URL+"/"+name, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, name)
		before[name] = body
	}
	require.Contains(t, before, "static/js/main.js")

	util := filepath.Join(root, "src", "util.js")
	require.NoError(t, os.WriteFile(util, []byte("module.exports = SYNTAX ERROR;\n"), 0o644))
	s.Changed([]string{util})

	n, err := nextNotification(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pws.TypeError, n.Type)
	assert.Contains(t, n.Message, "transform error")
	assert.Empty(t, n.Chunks)

	assert.Equal(t, StateServing, s.State())
	for name, content := range before {
		resp, body := get(t, srv.URL+"/"+name, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, name)
		assert.Equal(t, content, body, name)
	}

	require.NoError(t, os.WriteFile(util, []byte("module.exports = function () { return 2; };\n"), 0o644))
	s.Changed([]string{util})

	// Notifications arrive in order, so an update here means the failure
	// produced exactly one message.
	n, err = nextNotification(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pws.TypeUpdate, n.Type)
	assert.Contains(t, n.Chunks, "main")
	assert.NoError(t, s.LastError())
}
