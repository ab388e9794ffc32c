// Package webhook receives provider push callbacks (Twitch EventSub and YouTube WebSub), verifies
// them, and hands accepted events to an in-process intake queue whose consumers feed the same
// dispatcher the poll loops use.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// Verify reports whether provided, formatted as "<alg>=<hex>", is the HMAC of the concatenated
// parts under secret. sha1 and sha256 are accepted, as WebSub hubs may sign with either. An empty
// secret or a malformed value never verifies.
func Verify(secret string, parts [][]byte, provided string) bool {
	return verify(secret, parts, provided, false)
}

// VerifySHA256 is Verify restricted to HMAC-SHA256, the only algorithm EventSub signs with.
func VerifySHA256(secret string, parts [][]byte, provided string) bool {
	return verify(secret, parts, provided, true)
}

func verify(secret string, parts [][]byte, provided string, sha256Only bool) bool {
	if secret == "" {
		return false
	}
	alg, sig, ok := strings.Cut(strings.TrimSpace(provided), "=")
	if !ok {
		return false
	}
	var h func() hash.Hash
	switch strings.ToLower(alg) {
	case "sha256":
		h = sha256.New
	case "sha1":
		if sha256Only {
			return false
		}
		h = sha1.New
	default:
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(h, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the "<alg>=<hex>" signature Verify accepts.
func Sign(alg, secret string, parts ...[]byte) string {
	h := sha256.New
	if alg == "sha1" {
		h = sha1.New
	}
	mac := hmac.New(h, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return alg + "=" + hex.EncodeToString(mac.Sum(nil))
}
