package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const secretBytes = 64

// GeneratedToken is a freshly minted credential. Encoded is shown to
// the caller exactly once; only Hash is persisted.
type GeneratedToken struct {
	ID      uuid.UUID
	Encoded string
	Hash    string
}

// GenerateToken draws 64 bytes of randomness and packs them with a
// new token id into the encoded form "<id>.<secret>".
func GenerateToken() (*GeneratedToken, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	id := uuid.New()
	secret := base64.RawURLEncoding.EncodeToString(raw)
	return &GeneratedToken{
		ID:      id,
		Encoded: id.String() + "." + secret,
		Hash:    HashSecret(secret),
	}, nil
}

// ParseToken splits an encoded credential into its id and secret.
func ParseToken(encoded string) (uuid.UUID, string, error) {
	idStr, secret, ok := strings.Cut(encoded, ".")
	if !ok || secret == "" {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return id, secret, nil
}

// HashSecret digests the secret half of a credential for storage.
func HashSecret(secret string) string {
	sum := sha3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// secretMatches compares a presented secret against the stored hash
// in constant time.
func secretMatches(secret, storedHash string) bool {
	presented := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}
