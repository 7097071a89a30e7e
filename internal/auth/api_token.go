package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const apiTokenPrefix = "olc_"

// GenerateAPIToken creates a new static API token.
// Format: olc_<uuid>_<random_secret>
func GenerateAPIToken() (string, error) {
	id := uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	return fmt.Sprintf("%s%s_%s", apiTokenPrefix, id.String(), hex.EncodeToString(secretBytes)), nil
}

// ValidTokenFormat checks if token has the API token shape
func ValidTokenFormat(token string) bool {
	if len(token) != len(apiTokenPrefix)+36+1+64 {
		return false
	}
	if token[:len(apiTokenPrefix)] != apiTokenPrefix {
		return false
	}
	_, err := uuid.Parse(token[len(apiTokenPrefix) : len(apiTokenPrefix)+36])
	return err == nil
}
