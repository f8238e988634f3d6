// Package inspector implements a step-at-a-time walkthrough of the MCP
// OAuth 2.1 authorization flow: protected resource metadata discovery
// (RFC 9728), authorization server metadata discovery (RFC 8414 / OIDC),
// client registration (RFC 7591 / Client ID Metadata Documents), PKCE
// (RFC 7636), and the authorization-code token exchange.
package inspector

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

// unreservedChars is the RFC 3986 Section 2.3 unreserved character set,
// which is also the PKCE code verifier alphabet per RFC 7636 Section 4.1.
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const (
	// minVerifierLength is the PKCE minimum code verifier length (RFC 7636)
	minVerifierLength = 43

	// maxVerifierLength is the PKCE maximum code verifier length (RFC 7636)
	maxVerifierLength = 128

	// defaultVerifierLength is the verifier length generated by default
	defaultVerifierLength = 64

	// stateLength is the length of generated anti-CSRF state values
	stateLength = 32
)

// PKCEParams holds a PKCE code verifier/challenge pair.
type PKCEParams struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// GenerateRandomString returns a cryptographically random string of length n
// drawn from the RFC 3986 unreserved character set.
func GenerateRandomString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("random string length must be positive, got %d", n)
	}

	alphabetLen := big.NewInt(int64(len(unreservedChars)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		buf[i] = unreservedChars[idx.Int64()]
	}

	return string(buf), nil
}

// GenerateCodeChallenge computes the S256 code challenge for a verifier:
// unpadded base64url(SHA-256(verifier)) per RFC 7636 Section 4.2.
//
// The same verifier always yields the same challenge. Verifiers shorter
// than the PKCE minimum length are rejected.
func GenerateCodeChallenge(verifier string) (string, error) {
	if len(verifier) < minVerifierLength {
		return "", fmt.Errorf("code verifier too short: %d characters, PKCE requires at least %d", len(verifier), minVerifierLength)
	}
	if len(verifier) > maxVerifierLength {
		return "", fmt.Errorf("code verifier too long: %d characters, PKCE allows at most %d", len(verifier), maxVerifierLength)
	}

	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

// GeneratePKCEParams generates a fresh verifier/challenge pair using the
// S256 method.
func GeneratePKCEParams() (*PKCEParams, error) {
	verifier, err := GenerateRandomString(defaultVerifierLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	challenge, err := GenerateCodeChallenge(verifier)
	if err != nil {
		return nil, err
	}

	return &PKCEParams{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkceMethodS256,
	}, nil
}

// GenerateState returns a fresh anti-CSRF state value.
func GenerateState() (string, error) {
	return GenerateRandomString(stateLength)
}
