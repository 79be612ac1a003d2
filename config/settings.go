package config

import (
	"strconv"
)

// Setting documents one configuration knob.
type Setting struct {
	Name        string
	Default     string
	Description string
}

// Settings lists every knob of CacheConfig with its default, for help
// output and documentation.
var Settings = []Setting{
	{"store-dir", "/nix/store", "Logical location of the store that paths in this cache belong to."},
	{"ssl-cert", "", "An optional SSL client certificate in PEM format, as a file path or inline PEM."},
	{"ssl-key", "", "The SSL client certificate key in PEM format, as a file path or inline PEM."},
	{"ssl-ca-cert", "", "An optional CA bundle in PEM format used to verify the cache's certificate."},
	{"trusted-public-keys", "", "Public keys in name:base64 form whose signatures are accepted."},
	{"secret-key", "", "Path to the secret key used to sign published narinfo records."},
	{"compression", DefaultCompression, "Compression applied to uploaded archives: none, xz, zstd, gzip or lz4."},
	{"narinfo-ttl", DefaultNarInfoTTL.String(), "How long a found store path stays in the local metadata cache."},
	{"negative-narinfo-ttl", DefaultNegativeNarInfoTTL.String(), "How long a missing store path stays in the local metadata cache."},
	{"cache-info-ttl", DefaultCacheInfoTTL.String(), "How long nix-cache-info stays in the local metadata cache."},
	{"retry-attempts", strconv.Itoa(DefaultRetryAttempts), "Total tries for a request that fails with a transient error."},
	{"retry-wait-min", DefaultRetryWaitMin.String(), "Minimum backoff between tries."},
	{"retry-wait-max", DefaultRetryWaitMax.String(), "Maximum backoff between tries."},
	{"request-timeout", DefaultRequestTimeout.String(), "Time a request attempt may go without progress."},
	{"priority", strconv.Itoa(DefaultPriority), "Priority of this cache when the cache does not advertise one."},
	{"want-mass-query", "false", "Whether this cache should be queried for many paths at once."},
	{"max-parallel-requests", strconv.Itoa(DefaultMaxParallelRequests), "Upper bound on concurrent lookups in batch queries."},
}

// LookupSetting returns the setting with the given name.
func LookupSetting(name string) (Setting, bool) {
	for _, s := range Settings {
		if s.Name == name {
			return s, true
		}
	}
	return Setting{}, false
}
