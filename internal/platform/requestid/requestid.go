// Package requestid issues and validates X-Request-Id values.
package requestid

import (
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

// MaxLen bounds a client supplied id before it is echoed into logs.
const MaxLen = 128

func New() string {
	return uuid.NewString()
}

// Resolve keeps a well-formed incoming id and replaces anything else.
func Resolve(incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if Valid(incoming) {
		return incoming
	}
	return New()
}

func Valid(id string) bool {
	if id == "" || len(id) > MaxLen {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}
