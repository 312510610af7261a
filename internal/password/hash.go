package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// hashCost is fixed at 10 to stay compatible with hashes produced by earlier
// deployments of this service.
const hashCost = 10

// Hash hashes a plaintext password using bcrypt with a per-password salt.
func Hash(plaintext string) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("password: plaintext is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares a plaintext password with a stored hash.
func Verify(hash, plaintext string) error {
	if hash == "" {
		return errors.New("password: stored hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
}
