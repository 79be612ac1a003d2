// Package config holds the configuration of a binary cache store.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	nixcache "github.com/wolfeidau/nix-cache"
)

// Defaults for CacheConfig fields left at their zero value.
const (
	DefaultCompression         = "xz"
	DefaultNarInfoTTL          = 30 * 24 * time.Hour
	DefaultNegativeNarInfoTTL  = time.Hour
	DefaultCacheInfoTTL        = 7 * 24 * time.Hour
	DefaultRetryAttempts       = 5
	DefaultRetryWaitMin        = 250 * time.Millisecond
	DefaultRetryWaitMax        = 10 * time.Second
	DefaultRequestTimeout      = 5 * time.Minute
	DefaultPriority            = 50
	DefaultMaxParallelRequests = 25
)

// CacheURIProvider is implemented by configurations that name a cache.
type CacheURIProvider interface {
	CacheURI() string
}

// TLSCredentials are the client certificate and key used for mutual TLS,
// plus an optional CA bundle for verifying the server. Each value is either
// a path to a PEM file or inline PEM data.
type TLSCredentials struct {
	Cert   string
	Key    string
	CACert string
}

// Enabled reports whether a client certificate is configured.
func (c TLSCredentials) Enabled() bool {
	return c.Cert != "" || c.Key != ""
}

// TLSCredentialsProvider is implemented by configurations with TLS settings.
type TLSCredentialsProvider interface {
	TLSCredentials() TLSCredentials
}

// TrustedKeysProvider is implemented by configurations that carry public
// keys in "name:base64" form.
type TrustedKeysProvider interface {
	TrustedPublicKeys() []string
}

// CacheConfig configures access to one binary cache. It is treated as
// immutable once handed to a store.
type CacheConfig struct {
	// URI of the cache: http://, https:// or file://.
	URI string

	// StoreDir is the logical store directory paths belong to.
	StoreDir string

	TLS TLSCredentials

	// TrustedKeys verify narinfo signatures.
	TrustedKeys []string

	// SecretKeyFile signs narinfo records published to the cache.
	SecretKeyFile string

	// Compression applied to uploaded archives.
	Compression string

	// NarInfoTTL is how long a positive lookup stays in the local cache.
	// Zero means the default; a negative value disables caching of that
	// kind of entry, as it does for the other TTLs.
	NarInfoTTL time.Duration

	// NegativeNarInfoTTL is how long a confirmed absence stays in the
	// local cache.
	NegativeNarInfoTTL time.Duration

	// CacheInfoTTL is how long nix-cache-info stays in the local cache.
	CacheInfoTTL time.Duration

	// RetryAttempts is the total number of tries for a request,
	// including the first.
	RetryAttempts int
	RetryWaitMin  time.Duration
	RetryWaitMax  time.Duration

	// RequestTimeout bounds how long a request attempt may go without
	// progress.
	RequestTimeout time.Duration

	// Priority and WantMassQuery are advertised when the cache does not
	// provide nix-cache-info.
	Priority      int
	WantMassQuery bool

	// MaxParallelRequests bounds concurrent lookups in batch queries.
	MaxParallelRequests int
}

// Default returns a configuration for uri with all defaults applied.
func Default(uri string) CacheConfig {
	cfg := CacheConfig{URI: uri}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *CacheConfig) ApplyDefaults() {
	if c.StoreDir == "" {
		c.StoreDir = nixcache.DefaultStoreDir
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if c.NarInfoTTL == 0 {
		c.NarInfoTTL = DefaultNarInfoTTL
	}
	if c.NegativeNarInfoTTL == 0 {
		c.NegativeNarInfoTTL = DefaultNegativeNarInfoTTL
	}
	if c.CacheInfoTTL == 0 {
		c.CacheInfoTTL = DefaultCacheInfoTTL
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryWaitMin == 0 {
		c.RetryWaitMin = DefaultRetryWaitMin
	}
	if c.RetryWaitMax == 0 {
		c.RetryWaitMax = DefaultRetryWaitMax
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	if c.MaxParallelRequests == 0 {
		c.MaxParallelRequests = DefaultMaxParallelRequests
	}
}

// CacheURI implements CacheURIProvider. Trailing slashes are removed so
// resource names can be joined with a single "/".
func (c *CacheConfig) CacheURI() string {
	return strings.TrimRight(c.URI, "/")
}

// TLSCredentials implements TLSCredentialsProvider.
func (c *CacheConfig) TLSCredentials() TLSCredentials {
	return c.TLS
}

// TrustedPublicKeys implements TrustedKeysProvider.
func (c *CacheConfig) TrustedPublicKeys() []string {
	return c.TrustedKeys
}

// Scheme returns the URI scheme in lower case.
func (c *CacheConfig) Scheme() string {
	u, err := url.Parse(c.URI)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Validate reports every problem with the configuration at once.
func (c *CacheConfig) Validate() error {
	var result *multierror.Error

	u, err := url.Parse(c.URI)
	switch {
	case c.URI == "":
		result = multierror.Append(result, errors.New("cache URI is required"))
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("parsing cache URI: %w", err))
	default:
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			if u.Host == "" {
				result = multierror.Append(result, fmt.Errorf("cache URI %q has no host", c.URI))
			}
		case "file":
			if u.Path == "" {
				result = multierror.Append(result, fmt.Errorf("cache URI %q has no path", c.URI))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("unsupported cache URI scheme %q", u.Scheme))
		}
	}

	if !strings.HasPrefix(c.StoreDir, "/") {
		result = multierror.Append(result, fmt.Errorf("store dir %q must be absolute", c.StoreDir))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		result = multierror.Append(result, errors.New("ssl-cert and ssl-key must be set together"))
	}
	if c.RetryAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		result = multierror.Append(result, fmt.Errorf("retry wait max %s is less than min %s", c.RetryWaitMax, c.RetryWaitMin))
	}
	if c.RequestTimeout < 0 {
		result = multierror.Append(result, errors.New("request-timeout must not be negative"))
	}
	if c.SecretKeyFile != "" {
		if _, err := os.Stat(c.SecretKeyFile); err != nil {
			result = multierror.Append(result, fmt.Errorf("secret key file: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// LoadPEM returns the PEM data for a value that is either inline PEM or a
// path to a PEM file.
func LoadPEM(value string) ([]byte, error) {
	if strings.Contains(value, "-----BEGIN") {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("reading PEM file: %w", err)
	}
	return data, nil
}

var (
	_ CacheURIProvider       = (*CacheConfig)(nil)
	_ TLSCredentialsProvider = (*CacheConfig)(nil)
	_ TrustedKeysProvider    = (*CacheConfig)(nil)
)
