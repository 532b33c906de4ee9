package random

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// NewBytes returns length cryptographically random bytes.
func NewBytes(length int) []byte {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// crypto/rand is documented to never fail on supported platforms
		panic(err)
	}
	return bytes
}

// NewString returns a hex string built from length random bytes.
func NewString(length int) string {
	return hex.EncodeToString(NewBytes(length))
}

// NewURLSafeString returns an unpadded url-safe base64 string built from
// length random bytes. Suitable for identifiers that travel in cookies.
func NewURLSafeString(length int) string {
	return base64.RawURLEncoding.EncodeToString(NewBytes(length))
}
