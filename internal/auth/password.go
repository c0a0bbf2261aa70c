package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// passwordCost is deliberately above bcrypt.DefaultCost, trading a few
// extra milliseconds per login for stronger resistance to offline
// cracking.
const passwordCost = 12

// HashPassword returns a bcrypt hash of a plaintext password.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), passwordCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches the bcrypt hash.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
