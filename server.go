package zimd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"pkt.systems/pslog"

	"pkt.systems/zimd/internal/dispatch"
	"pkt.systems/zimd/internal/httpapi"
	"pkt.systems/zimd/internal/logfields"
	"pkt.systems/zimd/internal/resolve"
	"pkt.systems/zimd/internal/source"
	"pkt.systems/zimd/internal/watch"
	"pkt.systems/zimd/internal/zim"
)

// Server owns the archive, the dispatch pool and the HTTP listener.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	source    source.Source
	archive   *zim.Archive
	resolver  *resolve.Resolver
	pool      *dispatch.Pool
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle
	watcher   *watch.Watcher

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Source   source.Source
	Listener net.Listener
	Observer func(dispatch.Outcome)
	OnChange func(watch.Change)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithSource serves an already opened source instead of opening
// Config.Archive. The server closes it on shutdown.
func WithSource(src source.Source) Option {
	return func(o *options) {
		o.Source = src
	}
}

// WithListener serves on ln instead of binding Config.ListenAddress.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// WithOutcomeObserver receives every finished exchange.
func WithOutcomeObserver(fn func(dispatch.Outcome)) Option {
	return func(o *options) {
		o.Observer = fn
	}
}

// WithArchiveChangeHook is called when the watched archive file changes.
func WithArchiveChangeHook(fn func(watch.Change)) Option {
	return func(o *options) {
		o.OnChange = fn
	}
}

// NewServer opens the archive and assembles the request path. It does not
// bind the listener; call Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	s := &Server{
		cfg:     cfg,
		logger:  logfields.WithSubsystem(logger, "server"),
		readyCh: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			s.closeResources()
		}
	}()

	src := o.Source
	if src == nil {
		var err error
		src, err = OpenSource(ctx, cfg, logfields.WithSubsystem(logger, "archive.source"))
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", cfg.Archive, err)
		}
	}
	s.source = src
	archive, err := zim.Open(src, src.Size(), zim.WithMaxClusterSize(cfg.MaxClusterSize))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", src.Name(), err)
	}
	s.archive = archive
	if cfg.Verify {
		if err := s.verifyArchive(ctx); err != nil {
			return nil, err
		}
	}
	hdr := archive.Header()
	s.logger.Info("archive.opened",
		"archive", src.Name(),
		"articles", archive.EntryCount(),
		"clusters", archive.ClusterCount(),
		"size", humanize.IBytes(uint64(src.Size())),
		"version", fmt.Sprintf("%d.%d", hdr.MajorVersion, hdr.MinorVersion),
		"uuid", hdr.UUIDString(),
	)

	s.resolver, err = resolve.New(archive, resolve.Config{
		MaxRedirects: cfg.MaxRedirects,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	handler, err := httpapi.New(httpapi.Config{
		Resolver:       s.resolver,
		ServeMIMETypes: cfg.ServeMIMETypes,
		TracingEnabled: cfg.TracingEnabled(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	s.pool, err = dispatch.New(dispatch.Config{
		Workers:    cfg.Workers,
		QueueDepth: cfg.QueueDepth,
		Handler:    handler,
		Logger:     logger,
		Observer:   o.Observer,
	})
	if err != nil {
		return nil, err
	}

	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		endpoint:         cfg.OTLPEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
		ready:            s.Ready,
	}, logfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	if cfg.WatchArchive {
		if local, isLocal := src.(source.Local); isLocal {
			s.watcher, err = watch.New(watch.Config{Path: local.Path(), Logger: logger, OnChange: o.OnChange})
			if err != nil {
				s.logger.Warn("archive.watch.unavailable", "path", local.Path(), "error", err)
				s.watcher = nil
			}
		}
	}

	var root http.Handler = s.pool
	if cfg.TracingEnabled() {
		root = otelhttp.NewHandler(s.pool, "zimd.http")
	}
	s.httpSrv = &http.Server{
		Handler:           root,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// OPTIONS * must reach the handler.
		DisableGeneralOptionsHandler: true,
	}
	s.listener = o.Listener
	ok = true
	return s, nil
}

func (s *Server) verifyArchive(ctx context.Context) error {
	start := time.Now()
	var lastLogged int64
	err := s.archive.Verify(ctx, func(done, total int64) {
		if done-lastLogged >= 256<<20 || done == total {
			lastLogged = done
			s.logger.Debug("archive.verify.progress", "done", humanize.IBytes(uint64(done)), "total", humanize.IBytes(uint64(total)))
		}
	})
	if err != nil {
		return fmt.Errorf("verify archive %s: %w", s.source.Name(), err)
	}
	s.logger.Info("archive.verified", "archive", s.source.Name(), "elapsed", time.Since(start))
	return nil
}

// Archive returns the open archive.
func (s *Server) Archive() *zim.Archive { return s.archive }

// Handler returns the root HTTP handler so zimd can be mounted elsewhere.
// Requests only make progress once Start has launched the workers.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start binds the listener, launches the workers and blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.ListenAddress())
		if err != nil {
			return fmt.Errorf("listen (tcp %s): %w", s.cfg.ListenAddress(), err)
		}
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	if err := s.pool.Start(context.Background()); err != nil {
		_ = ln.Close()
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"workers", s.pool.Workers(),
		"queue_depth", s.pool.QueueDepth(),
		"max_conns", s.cfg.MaxConns,
		"mime_types", s.cfg.ServeMIMETypes,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains HTTP connections, stops the workers and closes the
// archive. The returned error is nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.pool.Stop()
	if tel := s.takeTelemetry(); tel != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := tel.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.closeResources(); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.stopped")
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// closeResources releases the watcher, archive and source in that order.
func (s *Server) closeResources() error {
	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
		s.watcher = nil
	}
	if tel := s.takeTelemetry(); tel != nil {
		_ = tel.Shutdown(context.Background())
	}
	if s.archive != nil {
		_ = s.archive.Close()
		s.archive = nil
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive source: %w", err))
		}
		s.source = nil
	}
	return errors.Join(errs...)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound and the workers run, or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the server accepts and answers requests.
func (s *Server) Ready() bool {
	s.mu.Lock()
	down := s.shutdown
	s.mu.Unlock()
	if down {
		return false
	}
	select {
	case <-s.readyCh:
		return s.pool.Running()
	default:
		return false
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// AdminAddr returns the bound admin (metrics/health) address, if enabled.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	tel := s.telemetry
	s.mu.Unlock()
	return tel.AdminAddr()
}

// takeTelemetry detaches the telemetry bundle so only one caller shuts it down.
func (s *Server) takeTelemetry() *telemetryBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	tel := s.telemetry
	s.telemetry = nil
	return tel
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve returned, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer constructs and starts a server, returning once it accepts
// requests. The returned stop function shuts it down and reports the serve
// error, if any. Cancelling ctx also stops the server.
//
//	srv, stop, err := zimd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
