// Package keyhash derives stable cache keys from resource identifiers.
//
// Keys are the lowercase hex MD5 digest of the identifier, which keeps file
// names on disk compatible with other caches that use the same scheme. When
// MD5 is not linked into the binary the hasher falls back to a 64-bit xxhash
// rendered in decimal and reports itself as degraded.
package keyhash

import (
	"crypto"
	_ "crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/Belphemur/ImageCache/internal/config"
)

// Hasher computes cache keys. It is safe for concurrent use.
type Hasher struct {
	alg      crypto.Hash
	degraded bool
}

var defaultHasher = New()

// New returns a hasher using MD5.
func New() *Hasher {
	return newHasher(crypto.MD5)
}

func newHasher(alg crypto.Hash) *Hasher {
	h := &Hasher{alg: alg}
	if !alg.Available() {
		h.degraded = true
		logger := config.GetLogger()
		logger.Warn().
			Str("algorithm", alg.String()).
			Msg("Digest algorithm unavailable, cache keys use a non-cryptographic fallback with higher collision risk")
	}
	return h
}

// Key returns the cache key for identifier.
func (h *Hasher) Key(identifier string) string {
	if h.degraded {
		return strconv.FormatUint(xxhash.Sum64String(identifier), 10)
	}
	d := h.alg.New()
	d.Write([]byte(identifier))
	return hex.EncodeToString(d.Sum(nil))
}

// Degraded reports whether the fallback hash is in use.
func (h *Hasher) Degraded() bool {
	return h.degraded
}

// Key returns the cache key for identifier using the default hasher.
func Key(identifier string) string {
	return defaultHasher.Key(identifier)
}
