// Package redact scrubs secret material from inbound message content before
// it is routed or buffered. Matching is purely pattern based; structural
// parsing of payloads is deliberately out of scope.
package redact

import (
	"regexp"
)

// Token replaces every secret match in redacted content.
const Token = "[REDACTED]"

// pattern pairs a name with a pre-compiled regex. Names are kept for
// logging and tests; they never appear in output.
type pattern struct {
	name  string
	regex *regexp.Regexp
}

var builtins = []pattern{
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"openai_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"password_assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token)\s*[=:]\s*\S+`)},
	{"basic_auth_url", regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^/\s:@]+:[^/\s:@]+@`)},
}

// Redactor applies a fixed pattern set to content strings.
type Redactor struct {
	patterns []pattern
}

// New returns a redactor with the built-in pattern set.
func New() *Redactor {
	return &Redactor{patterns: builtins}
}

// Redact replaces every match with the fixed token. Defensive: the input is
// returned unchanged when nothing matches.
func (r *Redactor) Redact(content string) string {
	for _, p := range r.patterns {
		content = p.regex.ReplaceAllString(content, Token)
	}
	return content
}

// Hits counts matches per pattern name without modifying the content.
func (r *Redactor) Hits(content string) map[string]int {
	hits := make(map[string]int)
	for _, p := range r.patterns {
		if n := len(p.regex.FindAllStringIndex(content, -1)); n > 0 {
			hits[p.name] = n
		}
	}
	return hits
}
