package transport

import (
	"strings"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/archive"
)

// CacheInfoPath is the resource describing the cache itself.
const CacheInfoPath = "nix-cache-info"

// NarInfoPath returns the metadata resource for a store path hash part.
func NarInfoPath(hashPart string) string {
	return hashPart + ".narinfo"
}

// NarPath returns the archive resource for a compressed file hash.
func NarPath(fileHash nixcache.Hash, c archive.Compression) string {
	return "nar/" + fileHash.Base32() + ".nar" + c.Extension()
}

// LogPath returns the build log resource for a derivation.
func LogPath(drv nixcache.StorePath) string {
	return "log/" + drv.Base()
}

// IsNarInfoPath reports whether rel names a narinfo record.
func IsNarInfoPath(rel string) bool {
	return strings.HasSuffix(rel, ".narinfo") && !strings.Contains(rel, "/")
}
