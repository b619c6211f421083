// Package session enforces single-active-session semantics through the
// shared cache: a new login displaces any prior session for the same user,
// and the displaced session can retrieve an invalidation notice exactly
// once. Validation fails open when the cache is unreachable so authentication
// survives cache outages; session TTLs bound the exposure.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// InvalidationNotice tells a displaced session why it was logged out.
type InvalidationNotice struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
}

// HashToken returns the SHA-256 hex digest stored in place of the raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sessionKey(userID string) string {
	return "session:user:" + userID
}

func sessionSetKey(userID string) string {
	return "session:user:set:" + userID
}

func noticeKey(userID, tokenHash string) string {
	return "session_invalidated:" + userID + ":" + tokenHash
}
