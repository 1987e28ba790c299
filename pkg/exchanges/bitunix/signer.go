package bitunix

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the double SHA-256 request signature. query is the sorted
// concatenation of query keys and values; body is the raw JSON body.
func Sign(secret, nonce, apiKey, ts, query, body string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey + query + body))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}
