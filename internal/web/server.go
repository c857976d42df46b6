package web

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/auth"
	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/coalesce"
	"github.com/hpungsan/codestream/internal/config"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/kv"
	"github.com/hpungsan/codestream/internal/metrics"
	"github.com/hpungsan/codestream/internal/proxy"
	"github.com/hpungsan/codestream/internal/session"
	"github.com/hpungsan/codestream/internal/writer"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// WriterDeps are the components behind the writer surface.
type WriterDeps struct {
	Store    kv.Store
	Cells    *cells.Store
	Registry *session.Registry
	Engine   *writer.Engine
	Bus      *events.Bus
	Verifier *auth.Verifier
	Logger   zerolog.Logger
}

// ReaderDeps are the components behind the reader surface.
type ReaderDeps struct {
	Gateway   *proxy.Gateway
	Registry  *session.Registry
	Throttler *coalesce.Throttler
	Verifier  *auth.Verifier
	Logger    zerolog.Logger
}

func newRenderer(version string, logger zerolog.Logger) *Renderer {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic(fmt.Sprintf("failed to create template sub-FS: %v", err))
	}
	r := NewRenderer(templateSub, version)
	r.logger = logger
	return r
}

func staticHandler() http.Handler {
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(fmt.Sprintf("failed to create static sub-FS: %v", err))
	}
	return http.StripPrefix("/static/", http.FileServerFS(staticSub))
}

func metricsHandler() http.Handler {
	metrics.Register(prometheus.DefaultRegisterer)
	return promhttp.Handler()
}

// NewWriterServer builds the writer HTTP surface: cell writes, cell reads
// for proxied readers, session management and the event stream.
func NewWriterServer(deps WriterDeps, cfg *config.Config, version string) *http.Server {
	h := &WriterHandlers{
		store:    deps.Store,
		cells:    deps.Cells,
		registry: deps.Registry,
		engine:   deps.Engine,
		bus:      deps.Bus,
		renderer: newRenderer(version, deps.Logger),
		logger:   deps.Logger,
	}
	fail := apiErrorWriter(deps.Logger)
	authn := auth.Middleware(deps.Verifier, fail)
	writerOnly := func(fn http.HandlerFunc) http.Handler {
		return authn(auth.RequireRole(session.Writer, fail, fn))
	}
	anyRole := func(fn http.HandlerFunc) http.Handler {
		return authn(fn)
	}

	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.Handle("GET /{$}", anyRole(h.HandleDashboard))
	mux.Handle("POST /{session}/push-cell/{$}", writerOnly(h.HandlePush))
	mux.Handle("POST /{session}/update/{$}", writerOnly(h.HandleUpdate))
	mux.Handle("POST /{session}/delete/{$}", writerOnly(h.HandleDelete))
	mux.Handle("POST /{session}/cleanup/{$}", writerOnly(h.HandleCleanup))
	mux.Handle("POST /clear/{$}", writerOnly(h.HandleClear))
	mux.Handle("POST /session/create", writerOnly(h.HandleCreateSession))
	mux.Handle("POST /session/refresh", writerOnly(h.HandleRefreshSession))
	mux.Handle("GET /session", anyRole(h.HandleSessionStatus))
	mux.Handle("GET /get-all-cell-ids/{$}", anyRole(h.HandleListCellIDs))
	mux.Handle("GET /{session}/get-cell/{$}", anyRole(h.HandleGetCell))
	mux.Handle("GET /events", anyRole(h.HandleEvents))

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", metricsHandler())
	mux.Handle("GET /static/{file}", staticHandler())

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           requestLogger(deps.Logger, securityHeaders(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewReaderServer builds the reader HTTP surface: upstream configuration
// and the read-only proxy to the writer.
func NewReaderServer(deps ReaderDeps, cfg *config.Config, version string) *http.Server {
	h := &ReaderHandlers{
		gateway:   deps.Gateway,
		registry:  deps.Registry,
		throttler: deps.Throttler,
		renderer:  newRenderer(version, deps.Logger),
		logger:    deps.Logger,
	}
	fail := apiErrorWriter(deps.Logger)
	authn := auth.Middleware(deps.Verifier, fail)
	readerOnly := func(fn http.HandlerFunc) http.Handler {
		return authn(auth.RequireRole(session.Reader, fail, fn))
	}
	// write paths exist on the reader only to be refused by the role check
	refuse := authn(auth.RequireRole(session.Writer, fail, http.NotFoundHandler()))

	mux := http.NewServeMux()

	mux.Handle("GET /{$}", readerOnly(h.HandleDashboard))
	mux.Handle("GET /config", readerOnly(h.HandleGetConfig))
	mux.Handle("POST /config", readerOnly(h.HandleSetConfig))
	mux.Handle("DELETE /config", readerOnly(h.HandleDeleteConfig))
	mux.Handle("POST /test", readerOnly(h.HandleTest))
	mux.Handle("GET /session", readerOnly(h.HandleSessionStatus))
	mux.Handle("POST /session/join", readerOnly(h.HandleJoin))
	mux.Handle("POST /session/clear", readerOnly(h.HandleClearSession))
	mux.Handle("GET /get-all-cell-ids/{$}", readerOnly(h.HandleListCellIDs))
	mux.Handle("GET /{session}/get-cell/{$}", readerOnly(h.HandleGetCell))
	mux.Handle("GET /events", readerOnly(h.HandleEvents))

	mux.Handle("POST /{session}/push-cell/{$}", refuse)
	mux.Handle("POST /{session}/update/{$}", refuse)
	mux.Handle("POST /{session}/delete/{$}", refuse)
	mux.Handle("POST /{session}/cleanup/{$}", refuse)
	mux.Handle("POST /clear/{$}", refuse)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"role": string(session.Reader)})
	})
	mux.Handle("GET /metrics", metricsHandler())
	mux.Handle("GET /static/{file}", staticHandler())

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           requestLogger(deps.Logger, securityHeaders(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// requestLogger logs method, path, status and duration. Query strings are
// never logged.
func requestLogger(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
// onShutdown, if set, runs after the server stops accepting requests.
func Run(srv *http.Server, logger zerolog.Logger, onShutdown func()) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info().Str("addr", srv.Addr).Msgf("Code Stream running at http://%s", srv.Addr)

	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, "[::]") || strings.HasPrefix(srv.Addr, "::") {
		logger.Warn().Msg("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(ctx)
		if onShutdown != nil {
			onShutdown()
		}
		return err
	}
}
