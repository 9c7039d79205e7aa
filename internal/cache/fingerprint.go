package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint builds the stable cache key for a request: spec §4.1 calls
// for "prefix:H(query ∥ model ∥ provider ∥ '')" over the UTF-8
// concatenation, separator byte included, so that provider=nil and
// provider="openai" hash to different keys even though one is the empty
// string suffix of the other.
func Fingerprint(prefix, query, model, provider string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	sum := hex.EncodeToString(h.Sum(nil))
	return prefix + ":" + sum
}
