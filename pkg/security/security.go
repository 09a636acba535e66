package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"math/big"
)

// GenerateSecureToken returns a URL-safe random string built from length
// random bytes. Used for authorization codes, refresh tokens, device codes
// and client secrets.
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

// GenerateUserCode returns a short human-typeable code in XXXX-XXXX form.
// The charset omits vowels and ambiguous glyphs (0/O, 1/I).
func GenerateUserCode() (string, error) {
	const charset = "BCDFGHJKLMNPQRSTVWXZ23456789"
	const length = 8

	result := make([]byte, 0, length+1)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result = append(result, charset[num.Int64()])
		if i == 3 {
			result = append(result, '-')
		}
	}

	return string(result), nil
}

// SecureCompare reports whether a and b are equal without leaking timing
// information about where they differ.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashToken returns the hex SHA-256 of a token string. Blacklist entries and
// cache keys store hashes, never raw tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
