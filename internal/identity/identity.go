// Package identity resolves the conversation identity used to namespace
// persistence and tag outgoing assistant requests.
package identity

import (
	"os"
	"strings"
)

// Guest is the anonymous fallback identity.
const Guest = "guest"

// Resolve returns the first usable identity: the explicit value, the
// PARLEY_USER environment variable, the OS user, or Guest. The result is
// normalized so it stays safe as a storage-key component.
func Resolve(explicit string) string {
	for _, candidate := range []string{explicit, os.Getenv("PARLEY_USER"), os.Getenv("USER")} {
		if id := normalize(candidate); id != "" {
			return id
		}
	}
	return Guest
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
