// Package server provides an HTTP binary cache server backed by a local
// directory.
package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/wolfeidau/nix-cache/backend"
	"github.com/wolfeidau/nix-cache/config"
	"github.com/wolfeidau/nix-cache/narinfo"
	"github.com/wolfeidau/nix-cache/telemetry"
	"github.com/wolfeidau/nix-cache/transport"
)

// MaxNarInfoSize bounds uploaded narinfo records.
const MaxNarInfoSize = 1 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Root is the directory the cache is served from.
	Root string

	// ReadOnly rejects uploads.
	ReadOnly bool

	// AuthToken, when set, is required as a Bearer token.
	AuthToken string

	// TLSCert and TLSKey enable HTTPS. Each is a PEM file path or inline PEM.
	TLSCert string
	TLSKey  string

	// ClientCA, when set, requires clients to present a certificate signed
	// by one of these CAs.
	ClientCA string

	// Logger for the server
	Logger *slog.Logger
}

// Server serves a binary cache: narinfo records, archives, build logs and
// nix-cache-info, read with GET/HEAD and published with PUT.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	backend    backend.StatBackend
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Root == "" {
		cfg.Root = "./cache"
	}

	fsBackend, err := backend.NewFilesystem(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger.With("component", "server"),
		backend: backend.NewInstrumentedBackend(fsBackend, "filesystem"),
	}

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      30 * time.Minute, // archives can be large
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the request handler with logging and authentication.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// GET also matches HEAD.
	mux.HandleFunc("GET /{key...}", s.handleGet)
	mux.HandleFunc("PUT /{key...}", s.handlePut)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.resourceKey(w, r)
	if !ok {
		return
	}

	info, err := s.backend.Stat(r.Context(), key)
	if errors.Is(err, backend.ErrNotFound) {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("stat failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	etag := info.ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", contentType(key))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if r.Method == http.MethodHead {
		return
	}

	rc, err := s.backend.Read(r.Context(), key)
	if err != nil {
		// Removed between Stat and Read.
		if errors.Is(err, backend.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("read failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("response copy interrupted", "key", key, "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if s.config.ReadOnly {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "cache is read-only", http.StatusMethodNotAllowed)
		return
	}
	key, ok := s.resourceKey(w, r)
	if !ok {
		return
	}
	if transport.ResourceKind(key) == "other" {
		http.Error(w, "not a binary cache resource", http.StatusBadRequest)
		return
	}

	var body io.Reader = r.Body
	if transport.IsNarInfoPath(key) {
		data, err := io.ReadAll(io.LimitReader(r.Body, MaxNarInfoSize+1))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		if len(data) > MaxNarInfoSize {
			http.Error(w, "narinfo too large", http.StatusRequestEntityTooLarge)
			return
		}
		if _, err := narinfo.ParseBytes(data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body = bytes.NewReader(data)
	}

	if err := s.backend.Write(r.Context(), key, body); err != nil {
		s.logger.Error("write failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.ContentLength > 0 {
		s.logger.Debug("stored resource", "key", key, "size", humanize.IBytes(uint64(r.ContentLength)))
	}
	w.WriteHeader(http.StatusCreated)
}

// resourceKey validates the request path and tags the request with its
// resource kind.
func (s *Server) resourceKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := backend.CleanKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return "", false
	}
	telemetry.SetResource(r, transport.ResourceKind(key))
	return key, true
}

func contentType(key string) string {
	switch transport.ResourceKind(key) {
	case telemetry.ResourceNarInfo:
		return narinfo.ContentType
	case telemetry.ResourceNar:
		return "application/x-nix-nar"
	case telemetry.ResourceLog:
		return "text/plain; charset=utf-8"
	case telemetry.ResourceCacheInfo:
		return "text/x-nix-cache-info"
	}
	return "application/octet-stream"
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.config.TLSCert == "" && s.config.TLSKey == "" {
		if s.config.ClientCA != "" {
			return nil, errors.New("client certificate authentication requires TLS")
		}
		return nil, nil
	}

	certPEM, err := config.LoadPEM(s.config.TLSCert)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	keyPEM, err := config.LoadPEM(s.config.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("loading server key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if s.config.ClientCA != "" {
		data, err := config.LoadPEM(s.config.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("loading client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.New("no certificates found in client CA bundle")
		}
		cfg.ClientCAs = pool
		// Verified when presented; authMiddleware requires one outside the
		// exempt paths.
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		r = telemetry.InjectTags(r, requestID)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		wrapped.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Resource != "" {
			attrs = append(attrs, "resource", tags.Resource)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server, with TLS when configured.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "root", s.config.Root, "tls", s.httpServer.TLSConfig != nil)
	if s.httpServer.TLSConfig != nil {
		// Certificates come from TLSConfig.
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// TLSConfig returns the server TLS configuration, or nil without TLS.
func (s *Server) TLSConfig() *tls.Config {
	return s.httpServer.TLSConfig
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
