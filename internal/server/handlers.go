package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneroisu/assetpipe/internal/build"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/version"
)

// Internal endpoints.
const (
	StatusPagePath = "/__assetpipe"
	StatusPath     = "/__assetpipe/status"
	SocketPath     = "/__assetpipe/ws"
	MetricsPath    = "/metrics"
)

type proxyRoute struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// newProxyRoutes builds reverse proxies ordered longest prefix first.
func newProxyRoutes(table map[string]string, logger logging.Logger) ([]proxyRoute, error) {
	routes := make([]proxyRoute, 0, len(table))
	for prefix, target := range table {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, perrors.NewConfigError(perrors.ErrCodeInvalidValue, "invalid proxy target for "+prefix, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(u)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn(r.Context(), err, "Proxy request failed", "path", r.URL.Path, "target", u.Host)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		}
		routes = append(routes, proxyRoute{prefix: prefix, proxy: proxy})
	}
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].prefix) != len(routes[j].prefix) {
			return len(routes[i].prefix) > len(routes[j].prefix)
		}
		return routes[i].prefix < routes[j].prefix
	})

	return routes, nil
}

func (s *DevServer) matchProxy(p string) *httputil.ReverseProxy {
	for _, route := range s.proxies {
		if p == route.prefix || strings.HasPrefix(p, strings.TrimSuffix(route.prefix, "/")+"/") {
			return route.proxy
		}
	}

	return nil
}

// Handler returns the HTTP handler of the dev server.
func (s *DevServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(StatusPath, s.handleStatus)
	mux.Handle(StatusPagePath, templ.Handler(statusPage(s)))
	mux.HandleFunc("/", s.handleAssets)

	var handler http.Handler = s.withHeaders(mux)
	if s.cfg.Compress {
		handler = gzhttp.GzipHandler(handler)
	}

	// The socket bypasses compression so the upgrade can hijack the
	// connection.
	root := http.NewServeMux()
	if s.cfg.Hot {
		root.HandleFunc(SocketPath, s.hub.HandleWebSocket)
	}
	root.Handle("/", handler)

	return root
}

func (s *DevServer) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		for k, v := range s.cfg.Headers {
			w.Header().Set(k, v)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// handleAssets serves, in order: proxied paths, built artifacts under the
// public path and files under the content base.
func (s *DevServer) handleAssets(w http.ResponseWriter, r *http.Request) {
	if proxy := s.matchProxy(r.URL.Path); proxy != nil {
		proxy.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if name, ok := strings.CutPrefix(r.URL.Path, s.cfg.PublicPath); ok {
		if a, found := s.store.Lookup(name); found {
			w.Header().Set("Cache-Control", "no-cache")
			if a.Hash != "" {
				w.Header().Set("ETag", `"`+a.Hash+`"`)
			}
			http.ServeContent(w, r, a.FileName, s.store.Updated(), bytes.NewReader(a.Content))
			return
		}
	}

	if s.cfg.ContentBase != "" {
		dir := s.desc.ResolvePath(s.cfg.ContentBase)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			http.FileServer(http.Dir(dir)).ServeHTTP(w, r)
			return
		}
	}

	http.NotFound(w, r)
}

// Status is the JSON body of the status endpoint.
type Status struct {
	State     State                  `json:"state"`
	Mode      string                 `json:"mode"`
	BuildHash string                 `json:"build_hash,omitempty"`
	Artifacts []string               `json:"artifacts"`
	Updated   []string               `json:"updated,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
	Rebuilds  int64                  `json:"rebuilds"`
	Clients   int                    `json:"clients"`
	Metrics   *build.MetricsSnapshot `json:"metrics,omitempty"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
}

// Status returns a snapshot of the server state.
func (s *DevServer) Status() Status {
	s.stateMu.RLock()
	st := Status{
		State:    s.state,
		Updated:  append([]string(nil), s.lastUpdated...),
		Rebuilds: s.rebuilds.Load(),
	}
	if s.lastErr != nil {
		st.LastError = perrors.Summarize(s.lastErr)
	}
	s.stateMu.RUnlock()

	st.Mode = s.desc.Mode.String()
	st.BuildHash = s.store.BuildHash()
	st.Artifacts = s.store.FileNames()
	st.Clients = s.hub.ClientCount()
	st.Version = version.GetShortVersion()
	st.Timestamp = time.Now().UTC()
	if s.metrics != nil {
		snapshot := s.metrics.GetSnapshot()
		st.Metrics = &snapshot
	}

	return st
}

func (s *DevServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode status response")
	}
}
