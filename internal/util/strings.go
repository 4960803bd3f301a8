// Package util provides small shared helpers that don't belong to a
// domain-specific package.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging token or code prefixes, where only a short prefix may
// appear in logs. Negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
