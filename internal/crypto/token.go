package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const tokenPrefix = "byom-"

// NewToken issues a fresh bearer token. The clear token is returned exactly
// once at issuance; only its hash and display prefix are stored.
func NewToken() (token, hash, prefix string) {
	token = tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	return token, HashToken(token), TokenPrefix(token)
}

func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenPrefix is the short identifying fragment shown in credential listings.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
