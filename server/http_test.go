package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/nix-cache/config"
	"github.com/wolfeidau/nix-cache/store"
)

const testNarInfo = `StorePath: /nix/store/7h4l4k8a2dkc1i9b7ymkqjm0gd9xndq4-foo-1.0
URL: nar/1w1fff338fvdw53sqgamddn1b2xgds473pv6y13gizdbqjv4i5p3.nar.xz
Compression: xz
FileHash: sha256:1w1fff338fvdw53sqgamddn1b2xgds473pv6y13gizdbqjv4i5p3
FileSize: 4
NarHash: sha256:1w1fff338fvdw53sqgamddn1b2xgds473pv6y13gizdbqjv4i5p3
NarSize: 4
References:
`

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Root = t.TempDir()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func do(t *testing.T, method, url string, body io.Reader, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp := do(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestPutGetHead(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := do(t, http.MethodGet, ts.URL+"/log/abc-foo.drv", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/log/abc-foo.drv", strings.NewReader("build output\n"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/log/abc-foo.drv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "build output\n", string(body))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp = do(t, http.MethodHead, ts.URL+"/log/abc-foo.drv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len("build output\n")), resp.ContentLength)
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	resp = do(t, http.MethodGet, ts.URL+"/log/abc-foo.drv", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestPutValidatesNarInfo(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := do(t, http.MethodPut, ts.URL+"/7h4l4k8a2dkc1i9b7ymkqjm0gd9xndq4.narinfo", strings.NewReader("garbage"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/7h4l4k8a2dkc1i9b7ymkqjm0gd9xndq4.narinfo", strings.NewReader(testNarInfo))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/7h4l4k8a2dkc1i9b7ymkqjm0gd9xndq4.narinfo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/x-nix-narinfo", resp.Header.Get("Content-Type"))
}

func TestPutRejectsUnknownResources(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := do(t, http.MethodPut, ts.URL+"/robots.txt", strings.NewReader("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/nar/.tmp-123", strings.NewReader("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadOnly(t *testing.T) {
	_, ts := newTestServer(t, Config{ReadOnly: true})

	resp := do(t, http.MethodPut, ts.URL+"/nix-cache-info", strings.NewReader("StoreDir: /nix/store\n"))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
}

func TestNewRequiresTLSForClientCA(t *testing.T) {
	_, err := New(Config{Root: t.TempDir(), ClientCA: "ca.pem"})
	require.Error(t, err)
}

func TestStoreRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, Config{AuthToken: "secret"})
	ctx := context.Background()

	// Without the token every request is refused.
	anon, err := store.New(&config.CacheConfig{URI: ts.URL, RetryAttempts: 1})
	require.NoError(t, err)
	defer func() { _ = anon.Close() }()
	require.Error(t, anon.InitCache(ctx))

	resp := do(t, http.MethodGet, ts.URL+"/nix-cache-info", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMutualTLS(t *testing.T) {
	ca := newTestCA(t)
	serverCert := ca.issue(t, "localhost", x509.ExtKeyUsageServerAuth)
	clientCert := ca.issue(t, "client", x509.ExtKeyUsageClientAuth)

	s, err := New(Config{
		Root:     t.TempDir(),
		TLSCert:  string(serverCert.certPEM),
		TLSKey:   string(serverCert.keyPEM),
		ClientCA: string(ca.certPEM),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(s.Handler())
	ts.TLS = s.TLSConfig()
	ts.StartTLS()
	t.Cleanup(ts.Close)

	ctx := context.Background()
	cfg := &config.CacheConfig{
		URI:           ts.URL,
		RetryAttempts: 1,
		TLS: config.TLSCredentials{
			Cert:   string(clientCert.certPEM),
			Key:    string(clientCert.keyPEM),
			CACert: string(ca.certPEM),
		},
	}
	st, err := store.New(cfg)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	require.NoError(t, st.InitCache(ctx))
	path, err := st.AddContent(ctx, "over-tls", strings.NewReader("secure"), nil)
	require.NoError(t, err)

	rc, err := st.Cat(ctx, path)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(got))

	t.Run("without client certificate", func(t *testing.T) {
		noCert := *cfg
		noCert.TLS = config.TLSCredentials{CACert: string(ca.certPEM)}
		anon, err := store.New(&noCert)
		require.NoError(t, err)
		defer func() { _ = anon.Close() }()

		_, err = anon.QueryPathInfo(ctx, path)
		require.Error(t, err)
	})
}

type testCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

type testCert struct {
	certPEM []byte
	keyPEM  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (ca *testCA) issue(t *testing.T, cn string, usage x509.ExtKeyUsage) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return testCert{
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
}
