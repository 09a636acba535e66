package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

var (
	ErrInvalidCodeVerifier   = errors.New("invalid code verifier")
	ErrInvalidCodeChallenge  = errors.New("invalid code challenge")
	ErrCodeChallengeMismatch = errors.New("code challenge verification failed")
)

// PKCEVerifier implements RFC 7636 code challenge generation and
// verification for the plain and S256 methods.
type PKCEVerifier struct{}

func NewPKCEVerifier() *PKCEVerifier {
	return &PKCEVerifier{}
}

func (p *PKCEVerifier) GenerateCodeVerifier() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

func (p *PKCEVerifier) ComputeChallenge(verifier, method string) (string, error) {
	if !p.IsValidCodeVerifier(verifier) {
		return "", ErrInvalidCodeVerifier
	}

	switch method {
	case "plain":
		return verifier, nil
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:]), nil
	default:
		return "", ErrInvalidCodeChallenge
	}
}

// Verify checks that verifier reproduces the registered challenge under the
// given method. Comparison is constant-time.
func (p *PKCEVerifier) Verify(verifier, challenge, method string) error {
	expected, err := p.ComputeChallenge(verifier, method)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return ErrCodeChallengeMismatch
	}

	return nil
}

func (p *PKCEVerifier) IsValidCodeVerifier(verifier string) bool {
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	for _, char := range verifier {
		if !isUnreservedChar(char) {
			return false
		}
	}
	return true
}

func (p *PKCEVerifier) IsValidCodeChallenge(challenge string) bool {
	if len(challenge) < 43 || len(challenge) > 128 {
		return false
	}
	for _, char := range challenge {
		if !isUnreservedChar(char) {
			return false
		}
	}
	return true
}

func (p *PKCEVerifier) IsSupportedMethod(method string) bool {
	return method == "plain" || method == "S256"
}

func isUnreservedChar(char rune) bool {
	return (char >= 'A' && char <= 'Z') ||
		(char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.' || char == '_' || char == '~'
}
