// Package idgen generates identifiers for ledger rows, usage records and
// alert events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the engine.
const (
	PrefixTransaction = "ctx_"
	PrefixUsage       = "usg_"
	PrefixAlert       = "alr_"
	PrefixRequest     = "req_"
	PrefixOperation   = "op_"
)

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
