package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/wolfeidau/nix-cache/config"
	"github.com/wolfeidau/nix-cache/telemetry"
)

// HTTPClient talks to an HTTP(S) binary cache. Transient failures are
// retried with capped exponential backoff; 404 and 410 are reported as
// ErrNotFound without retrying. An attempt that makes no progress for the
// configured request timeout is abandoned, including while its body is
// being read.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for cfg.URI.
func NewHTTPClient(cfg *config.CacheConfig, opts ...Option) (*HTTPClient, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	base := o.transport
	if base == nil {
		tlsCfg, err := tlsConfig(cfg.TLSCredentials())
		if err != nil {
			return nil, err
		}
		t := cleanhttp.DefaultPooledTransport()
		t.TLSClientConfig = tlsCfg
		base = t
	}
	if cfg.RequestTimeout > 0 {
		base = &stallTransport{base: base, timeout: cfg.RequestTimeout}
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	logger := o.logger.With("cache", cfg.CacheURI())

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: telemetry.NewInstrumentedTransport(base)}
	rc.Logger = logger
	rc.RetryMax = attempts - 1
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt == 0 {
			return
		}
		telemetry.RecordUpstreamRetry(req.Context(), attempt)
		logger.Debug("retrying request", "method", req.Method, "url", req.URL.String(), "attempt", attempt+1)
	}

	return &HTTPClient{
		baseURL: cfg.CacheURI(),
		client:  rc,
		logger:  logger,
	}, nil
}

// URI implements Transport.
func (c *HTTPClient) URI() string {
	return c.baseURL
}

// Fetch implements Transport.
func (c *HTTPClient) Fetch(ctx context.Context, rel string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, rel, nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Exists implements Transport.
func (c *HTTPClient) Exists(ctx context.Context, rel string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, rel, nil, "")
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	return true, nil
}

// Publish implements Transport. A body implementing io.ReadSeeker is rewound
// between attempts; any other body is buffered in memory first.
func (c *HTTPClient) Publish(ctx context.Context, rel string, body io.Reader, contentType string) error {
	resp, err := c.do(ctx, http.MethodPut, rel, body, contentType)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// do performs a request and returns the response only for 2xx statuses.
func (c *HTTPClient) do(ctx context.Context, method, rel string, body io.Reader, contentType string) (*http.Response, error) {
	uri := c.baseURL + "/" + rel
	ctx = withResource(ctx, rel)

	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, uri, raw)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if size, ok := seekerSize(body); ok {
		req.ContentLength = size
	}

	resp, err := c.client.Do(req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, ctxErr
	}
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		c.logger.Warn("request failed", "method", method, "url", uri, "error", err)
		return nil, &Error{Kind: Transient, Method: method, URI: uri, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, uri, ErrNotFound)
	}

	_ = resp.Body.Close()
	kind := Rejected
	if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented) {
		kind = Transient
	}
	c.logger.Warn("request failed", "method", method, "url", uri, "status", resp.StatusCode, "kind", kind.String())
	return nil, &Error{Kind: kind, Method: method, URI: uri, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
}

func seekerSize(body io.Reader) (int64, bool) {
	s, ok := body.(io.Seeker)
	if !ok {
		return 0, false
	}
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, false
	}
	return end - cur, true
}

func tlsConfig(creds config.TLSCredentials) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if creds.CACert != "" {
		data, err := config.LoadPEM(creds.CACert)
		if err != nil {
			return nil, fmt.Errorf("loading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.New("no certificates found in CA bundle")
		}
		cfg.RootCAs = pool
	}

	if creds.Enabled() {
		certPEM, err := config.LoadPEM(creds.Cert)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		keyPEM, err := config.LoadPEM(creds.Key)
		if err != nil {
			return nil, fmt.Errorf("loading client key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
