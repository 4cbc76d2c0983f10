package chat

import (
	"strings"

	"github.com/google/uuid"
)

// TempIDPrefix namespaces client-generated identities so they can never
// collide with server-issued UUIDs.
const TempIDPrefix = "local-"

// NewTempID returns a fresh temporary identity. Safe to call from a tight
// loop: every call yields a distinct value.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a client-generated temporary identity.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
