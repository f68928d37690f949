// Package sanitize scrubs worker-origin error text before it reaches a
// job's stored error_detail field.
package sanitize

import (
	"regexp"
	"strings"
)

const maxDetailLen = 500

var tempPathPattern = regexp.MustCompile(`/tmp/[^\s"']*`)

// ErrorDetail redacts temp-file paths and caps the result to 500 characters,
// so a render engine's stack trace never leaks the worker's local filesystem
// layout into a user-visible field.
func ErrorDetail(raw string) string {
	redacted := tempPathPattern.ReplaceAllString(raw, "<temp_path>")
	redacted = strings.TrimSpace(redacted)
	if len(redacted) <= maxDetailLen {
		return redacted
	}
	return redacted[:maxDetailLen]
}
