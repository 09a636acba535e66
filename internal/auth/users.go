package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"authserver/internal/db"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// AuthenticateUser verifies resource-owner credentials for the authorize and
// device verification pages.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*db.User, error) {
	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		// Burn comparable time for unknown users so the response time does
		// not reveal which usernames exist.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGyEkpqAP3Zp0cIWGlIdJNmCQ/o0ex6"), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword prepares a password or client secret for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
