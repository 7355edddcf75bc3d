package secret

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedCipher decorates a Cipher with an in-memory decrypt cache so
// candidate listing does not pay the AEAD cost on every dispatch.
// Sealed values are immutable, so entries never go stale; the TTL only
// bounds how long plaintext stays resident.
type CachedCipher struct {
	inner *Cipher
	cache *cache.Cache
}

// NewCachedCipher wraps cipher with a decrypt cache.
// defaultTTL is the expiration time for cached plaintexts.
func NewCachedCipher(inner *Cipher, defaultTTL time.Duration) *CachedCipher {
	return &CachedCipher{
		inner: inner,
		cache: cache.New(defaultTTL, defaultTTL*2),
	}
}

// Seal encrypts plaintext. Sealing is never cached: each call produces
// a fresh nonce.
func (c *CachedCipher) Seal(plaintext string) (string, error) {
	return c.inner.Seal(plaintext)
}

// Open decrypts a sealed value, consulting the cache first.
func (c *CachedCipher) Open(encoded string) (string, error) {
	if val, found := c.cache.Get(encoded); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := c.inner.Open(encoded)
	if err != nil {
		return "", err
	}

	c.cache.Set(encoded, val, cache.DefaultExpiration)
	return val, nil
}
