package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewConnectionID returns the server-assigned id for a signaling connection.
func NewConnectionID() string {
	return "conn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID returns an id used to correlate HTTP requests in logs.
func NewRequestID() string {
	return uuid.NewString()
}

// NewLockToken returns a unique holder token for distributed locks.
func NewLockToken() string {
	return uuid.NewString()
}
