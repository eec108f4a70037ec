package crypto

import "golang.org/x/crypto/bcrypt"

// CheckApiKey compares a bcrypt hashed api key with its possible plaintext
// equivalent.
func CheckApiKey(raw, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw))
	return err == nil
}

// HashApiKey creates a bcrypt hash of a raw api key using the default cost.
func HashApiKey(raw string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	return string(hashedBytes), err
}
