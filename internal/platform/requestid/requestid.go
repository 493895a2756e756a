// Package requestid generates short request identifiers for log
// correlation.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 16-character hex identifier.
func New() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
