package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateChallenge draws a fresh 6-byte pairing challenge
func GenerateChallenge() (iohc.Challenge, error) {
	var c iohc.Challenge
	if _, err := rand.Read(c[:]); err != nil {
		return iohc.Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	return c, nil
}

// GenerateSystemKey draws a fresh 16-byte system key
func GenerateSystemKey() (iohc.Key, error) {
	var k iohc.Key
	if _, err := rand.Read(k[:]); err != nil {
		return iohc.Key{}, fmt.Errorf("generate system key: %w", err)
	}
	return k, nil
}
