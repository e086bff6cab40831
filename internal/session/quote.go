package session

import "strings"

// Quote escapes s as a single-quoted POSIX shell word. Embedded single
// quotes are closed, backslash-escaped, and reopened, so arbitrary script
// bodies and paths survive one level of shell evaluation intact.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
