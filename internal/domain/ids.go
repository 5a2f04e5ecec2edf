package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix followed by n lowercase hex characters of a random uuid,
// e.g. NewID("msg_", 12).
func NewID(prefix string, n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return prefix + hex[:n]
}

// NewTicketID returns an uppercase ticket id such as "BUG-1A2B3C".
func NewTicketID(prefix string) string {
	return strings.ToUpper(NewID(prefix+"-", 6))
}
