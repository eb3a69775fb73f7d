// Package redact produces display-safe forms of shell commands before they
// leave the process boundary.
//
// # Threat model
//
// Secrets embedded in a command line (API keys, passwords, bearer tokens)
// must never appear in:
//   - Pending-request JSON snapshots shown to reviewers
//   - Log lines emitted by the daemon or CLI
//   - Notification events published to subscribers
//
// The raw command is stored untouched so the approved text is exactly what
// runs; only the display form is rewritten.  Redaction is best-effort: it
// operates on the command string and relies on callers to supply extra
// patterns for project-specific secrets.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// defaultPatterns cover the common ways secrets leak into command lines.
var defaultPatterns = []*regexp.Regexp{
	// --password=x, --token x, -p<word> style flags
	regexp.MustCompile(`(?i)(--?(?:password|passwd|token|secret|api[-_]?key|access[-_]?key)[= ])\S+`),
	regexp.MustCompile(`(?i)\b((?:password|passwd|token|secret|apikey|api_key)=)\S+`),
	// exported environment assignments
	regexp.MustCompile(`(?i)\b(export\s+\w*(?:KEY|TOKEN|SECRET|PASSWORD)\w*=)\S+`),
	// HTTP auth headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9._\-]+`),
	regexp.MustCompile(`(?i)(Authorization:\s*\w+\s+)\S+`),
	// well-known key shapes
	regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
	regexp.MustCompile(`\b(sk|pk|ghp|gho|glpat)[-_][A-Za-z0-9_\-]{16,}\b`),
	// credentials in connection URLs
	regexp.MustCompile(`(://[^:/\s]+:)[^@\s]+(@)`),
}

// Command applies the default patterns plus any extra user-supplied patterns
// to raw.  It returns the redacted display string and whether anything was
// redacted.  The second value drives the contains_sensitive flag on requests.
func Command(raw string, extra ...*regexp.Regexp) (string, bool) {
	out := raw
	for _, re := range append(defaultPatterns, extra...) {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			sub := re.FindStringSubmatch(m)
			// Keep the flag/prefix capture group when present so reviewers can
			// still tell which argument was hidden.
			if len(sub) > 1 && sub[1] != "" && strings.HasPrefix(m, sub[1]) {
				tail := ""
				if len(sub) > 2 && sub[2] != "" && strings.HasSuffix(m, sub[2]) {
					tail = sub[2]
				}
				return sub[1] + placeholder + tail
			}
			return placeholder
		})
	}
	return out, out != raw
}

// CompilePatterns compiles user-supplied pattern strings, returning an error
// naming the first invalid one.  Invalid patterns are a configuration error
// surfaced at load time, never at redaction time.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %d (%q): %w", i, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}
