// Package stringutil provides common string utility functions.
package stringutil

// TruncateString truncates a string to at most maxLen runes.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// TruncateStringWithEllipsis truncates a string to at most maxLen runes,
// replacing the tail with "..." when it is cut.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	cut := TruncateString(s, maxLen)
	if len(cut) == len(s) {
		return s
	}
	return TruncateString(s, maxLen-3) + "..."
}
