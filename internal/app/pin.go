package app

import (
	"crypto/subtle"
	"strings"

	"github.com/securegate/kiosk-service/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// CredentialChallenge compares an entered PIN against the user's stored secret.
// Secrets may be stored plain or as bcrypt hashes.
type CredentialChallenge struct {
	length int
}

func NewCredentialChallenge(length int) *CredentialChallenge {
	if length <= 0 {
		length = 4
	}
	return &CredentialChallenge{length: length}
}

// Verify rejects anything that is not exactly length ASCII digits with
// ErrInvalidFormat before comparing.
func (c *CredentialChallenge) Verify(user *domain.User, pin string) (bool, error) {
	if !c.validFormat(pin) {
		return false, ErrInvalidFormat
	}
	if user == nil || user.PinSecret == "" {
		return false, nil
	}
	if isBcryptHash(user.PinSecret) {
		return bcrypt.CompareHashAndPassword([]byte(user.PinSecret), []byte(pin)) == nil, nil
	}
	return subtle.ConstantTimeCompare([]byte(user.PinSecret), []byte(pin)) == 1, nil
}

func (c *CredentialChallenge) validFormat(pin string) bool {
	if len(pin) != c.length {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

func isBcryptHash(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$")
}
