package futures_usdt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// maxClientIDLen is the longest newClientOrderId the venue accepts.
const maxClientIDLen = 36

// clientOrderID maps id onto the venue's client id alphabet
// [.A-Z:/a-z0-9_-] and keeps its last 36 characters, where the per-order
// sequence lives.
func clientOrderID(id string) string {
	b := []byte(id)
	for i, ch := range b {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.', ch == ':', ch == '/', ch == '_', ch == '-':
		default:
			b[i] = '_'
		}
	}
	if len(b) > maxClientIDLen {
		b = b[len(b)-maxClientIDLen:]
	}
	return string(b)
}
