// ABOUTME: Session key grammar: parse, normalize, and canonical form.
// ABOUTME: Everything after the first colon is the name; names may contain colons.

package session

import "strings"

// ParseKey splits a session key into (appID, name). A bare name yields an
// empty appID. Only the first colon separates; the name keeps any further
// colons (phone numbers, thread ids).
func ParseKey(key string) (appID, name string) {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return "", key
}

// CanonicalKey builds the canonical lookup key for an (appID, name) pair.
func CanonicalKey(appID, name string) string {
	return appID + ":" + name
}
