package federation

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/oauth2"
)

const codeChallengeMethodS256 = "S256"

// PKCEPair is a code verifier and its S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a random verifier (RFC 7636, 43 chars) and its challenge.
func NewPKCEPair() PKCEPair {
	v := oauth2.GenerateVerifier()
	return PKCEPair{Verifier: v, Challenge: oauth2.S256ChallengeFromVerifier(v)}
}

// S256Challenge computes base64url(sha256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
