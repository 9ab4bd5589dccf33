// Package server runs the development server: it serves the current
// artifact set from memory, watches the source tree, rebuilds on change and
// tells connected browsers which chunks to reload.
//
// The watch-rebuild loop is single-flight. Change events arriving while a
// rebuild runs are collected into one pending set, and at most one follow-up
// rebuild is queued however many events arrive. A failed rebuild leaves the
// previous artifacts in place.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conneroisu/assetpipe/internal/build"
	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/watcher"
	"github.com/conneroisu/assetpipe/internal/websocket"
)

// Builder runs builds for the server. *build.Compiler implements it.
type Builder interface {
	Run(ctx context.Context) (*build.Result, error)
	Rebuild(ctx context.Context, changed []string) (*build.Result, error)
}

// Options configures a DevServer.
type Options struct {
	Logger   logging.Logger
	Metrics  *build.BuildMetrics
	Gatherer prometheus.Gatherer
	// NoWatch disables the file watcher; changes are then reported through
	// Changed only.
	NoWatch bool
	// OnState observes every state transition.
	OnState func(from, to State)
}

// DevServer serves a development build.
type DevServer struct {
	desc     *config.BuildDescription
	cfg      *config.DevServerConfig
	builder  Builder
	store    *ArtifactStore
	hub      *websocket.Manager
	metrics  *build.BuildMetrics
	gatherer prometheus.Gatherer
	proxies  []proxyRoute
	logger   logging.Logger
	noWatch  bool
	onState  func(from, to State)

	stateMu     sync.RWMutex
	state       State
	lastErr     error
	lastUpdated []string
	rebuilds    atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]struct{}
	trigger   chan struct{}

	fw           *watcher.FileWatcher
	httpServer   *http.Server
	serverMutex  sync.Mutex
	started      atomic.Bool
	shutdownOnce sync.Once
}

// New creates a dev server for desc. desc must be a development description.
func New(desc *config.BuildDescription, builder Builder, opts Options) (*DevServer, error) {
	if desc == nil || desc.DevServer == nil {
		return nil, perrors.NewConfigError(perrors.ErrCodeInvalidValue, "dev server needs a development build description", nil)
	}
	if builder == nil {
		return nil, perrors.NewInternalError(perrors.ErrCodeInvalidValue, "dev server needs a builder", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	proxies, err := newProxyRoutes(desc.DevServer.Proxy, logger)
	if err != nil {
		return nil, err
	}

	return &DevServer{
		desc:     desc,
		cfg:      desc.DevServer,
		builder:  builder,
		store:    NewArtifactStore(),
		hub:      websocket.NewManager(allowedOrigins(desc.DevServer), logger),
		metrics:  opts.Metrics,
		gatherer: gatherer,
		proxies:  proxies,
		logger:   logger.WithComponent("server"),
		noWatch:  opts.NoWatch,
		onState:  opts.OnState,
		pending:  map[string]struct{}{},
		trigger:  make(chan struct{}, 1),
	}, nil
}

func allowedOrigins(cfg *config.DevServerConfig) []string {
	return []string{
		fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		fmt.Sprintf("localhost:%d", cfg.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Port),
	}
}

// Start runs the initial build, starts watching and starts the rebuild
// loop. It returns once the initial build has finished. A failed initial
// build is returned only when it is fatal in development; otherwise the
// server starts in the failed state and recovers on the next change.
func (s *DevServer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return perrors.NewInternalError(perrors.ErrCodeInvalidValue, "dev server already started", nil)
	}

	s.setState(StateBuilding)
	result, err := s.builder.Run(ctx)
	if err != nil {
		if perrors.IsFatal(err, true) {
			return err
		}
		s.fail(ctx, err)
	} else {
		s.succeed(ctx, result)
	}

	if !s.noWatch {
		if err := s.startWatcher(ctx); err != nil {
			return err
		}
	}
	go s.rebuildLoop(ctx)

	return nil
}

func (s *DevServer) startWatcher(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(s.desc.Context, s.cfg.Debounce, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(watcher.IgnoreFilter(watcher.DefaultIgnorePatterns...))
	fw.AddFilter(watcher.ExcludeDirFilter(s.desc.OutputRoot(), s.desc.ResolvePath("node_modules")))
	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		s.Changed(watcher.Paths(events))
		return nil
	})
	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	s.fw = fw

	return nil
}

// Changed records changed source paths and queues a rebuild. At most one
// rebuild is ever queued behind the one in progress.
func (s *DevServer) Changed(paths []string) {
	if len(paths) == 0 {
		return
	}

	s.pendingMu.Lock()
	for _, p := range paths {
		s.pending[p] = struct{}{}
	}
	s.pendingMu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *DevServer) takePending() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	changed := make([]string, 0, len(s.pending))
	for p := range s.pending {
		changed = append(changed, p)
	}
	sort.Strings(changed)
	s.pending = map[string]struct{}{}

	return changed
}

func (s *DevServer) rebuildLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.rebuild(ctx)
		}
	}
}

func (s *DevServer) rebuild(ctx context.Context) {
	changed := s.takePending()
	if len(changed) == 0 {
		return
	}

	s.setState(StateRebuilding)
	s.rebuilds.Add(1)
	s.logger.Info(ctx, "Rebuilding", "changed", len(changed))

	result, err := s.builder.Rebuild(ctx, changed)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.succeed(ctx, result)
}

func (s *DevServer) succeed(ctx context.Context, result *build.Result) {
	s.store.Replace(result.Artifacts, result.BuildHash)

	s.stateMu.Lock()
	s.lastErr = nil
	s.lastUpdated = append([]string(nil), result.Updated...)
	s.stateMu.Unlock()

	s.setState(StateServing)
	s.logger.Info(ctx, "Build succeeded",
		"artifacts", len(result.Artifacts),
		"updated", result.Updated,
		"duration", result.Duration,
	)
	if err := s.hub.Notify(ctx, websocket.Update(result.Updated)); err != nil {
		s.logger.Warn(ctx, err, "Failed to queue update notification")
	}
}

func (s *DevServer) fail(ctx context.Context, err error) {
	s.stateMu.Lock()
	s.lastErr = err
	s.stateMu.Unlock()

	s.setState(StateFailed)
	s.logger.Error(ctx, err, "Build failed", "kind", string(perrors.Kind(err)))
	if nerr := s.hub.Notify(ctx, websocket.Error(perrors.Summarize(err))); nerr != nil {
		s.logger.Warn(ctx, nerr, "Failed to queue error notification")
	}

	if s.store.Len() > 0 {
		s.setState(StateServing)
	}
}

func (s *DevServer) setState(to State) {
	s.stateMu.Lock()
	from := s.state
	s.state = to
	s.stateMu.Unlock()

	if !validTransition(from, to) {
		s.logger.Warn(context.Background(), nil, "Unexpected state transition", "from", from.String(), "to", to.String())
	}

	if s.onState != nil {
		s.onState(from, to)
	}
}

// State returns the current state.
func (s *DevServer) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

// LastError returns the error of the most recent build, nil after a success.
func (s *DevServer) LastError() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.lastErr
}

// Rebuilds returns the number of rebuilds started.
func (s *DevServer) Rebuilds() int64 {
	return s.rebuilds.Load()
}

// Store returns the served artifact set.
func (s *DevServer) Store() *ArtifactStore {
	return s.store
}

// URL returns the base URL clients use.
func (s *DevServer) URL() string {
	scheme := "http"
	if s.cfg.HTTPS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: s.cfg.Address(), Path: s.cfg.PublicPath}

	return u.String()
}

// ListenAndServe starts the server and serves HTTP until ctx is done.
func (s *DevServer) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.serverMutex.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.HTTPS {
			errCh <- srv.ServeTLS(ln, s.desc.ResolvePath(s.cfg.CertFile), s.desc.ResolvePath(s.cfg.KeyFile))
			return
		}
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info(ctx, "Dev server listening", "url", s.URL())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the watcher, closes client connections and stops the HTTP
// server. The rebuild loop ends when the context passed to Start is done.
func (s *DevServer) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down dev server")

		if s.fw != nil {
			if err := s.fw.Stop(); err != nil {
				s.logger.Warn(ctx, err, "Failed to stop file watcher")
			}
		}
		if err := s.hub.Shutdown(ctx); err != nil {
			shutdownErr = err
		}

		s.serverMutex.Lock()
		srv := s.httpServer
		s.serverMutex.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}
