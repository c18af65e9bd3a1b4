package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MethodS256 is the only PKCE transformation accepted.
const MethodS256 = "S256"

// S256Challenge derives the S256 code challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier satisfies challenge under method.
func VerifyPKCE(challenge, method, verifier string) bool {
	if method != MethodS256 || challenge == "" || verifier == "" {
		return false
	}
	expected := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}
