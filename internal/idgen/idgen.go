// Package idgen mints the random identifiers handed out by loanlens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Identifier prefixes. Session and export ids carry 12 random bytes.
const (
	SessionPrefix = "sess_"
	ExportPrefix  = "exp_"

	idBytes      = 12
	requestBytes = 16
)

// Session returns a new session id.
func Session() string { return SessionPrefix + random(idBytes) }

// Export returns a new export archive id.
func Export() string { return ExportPrefix + random(idBytes) }

// Request returns a request id for requests that arrive without one.
func Request() string { return random(requestBytes) }

func random(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
