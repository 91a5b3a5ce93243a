package sanitize

import (
	"regexp"
	"strings"
)

// ============================================================================
// PII SANITIZER - ordered regex redaction + raw payload truncation
// ============================================================================

// Placeholder replaces every matched span. It must not itself match any
// rule, which keeps sanitization idempotent.
const Placeholder = "[REDACTED]"

// TruncationMarker is appended to raw fields cut at the configured length.
const TruncationMarker = "...[truncated]"

type rule struct {
	name string
	re   *regexp.Regexp
}

// Rules are applied in order; earlier rules eat the more specific shapes so
// the generic ones do not mangle their remainders.
var rules = []rule{
	{"vendor_secret", regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`)},
	{"assignment", regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|credential)s?\s*[:=]\s*["']?[^\s"',;&]{6,}["']?`)},
	{"json_password", regexp.MustCompile(`(?i)"(api[_-]?key|token|secret|password|credential)"\s*:\s*"[^"]+"`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[ .-]?\(?\d{2,4}\)?[ .-]?\d{3,4}[ .-]?\d{3,4}\b`)},
}

var sensitiveKey = regexp.MustCompile(`(?i)(key|token|secret|password|credential)`)

// control chars except \t \n \r
var controlChars = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")

// Sanitizer applies the redaction rules and truncation policy.
type Sanitizer struct {
	maxRawLength int
}

// New returns a sanitizer. maxRawLength bounds raw payload fields; values
// <= 0 fall back to 2000.
func New(maxRawLength int) *Sanitizer {
	if maxRawLength <= 0 {
		maxRawLength = 2000
	}
	return &Sanitizer{maxRawLength: maxRawLength}
}

// Text redacts all rule matches in a free-text field. Idempotent: spans
// already replaced by Placeholder never re-match.
func (s *Sanitizer) Text(in string) string {
	if in == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, Placeholder)
	}
	return out
}

// Raw redacts and then truncates an oversized raw payload. Returns the
// sanitized text and whether it was truncated.
func (s *Sanitizer) Raw(in string) (string, bool) {
	out := s.Text(in)
	if len(out) <= s.maxRawLength {
		return out, false
	}
	return out[:s.maxRawLength] + TruncationMarker, true
}

// Value redacts a configuration-like value: when the key name looks
// sensitive the whole value is replaced, otherwise normal text rules apply.
func (s *Sanitizer) Value(key, value string) string {
	if value == "" {
		return value
	}
	if sensitiveKey.MatchString(key) && value != Placeholder {
		return Placeholder
	}
	return s.Text(value)
}

// StripControl removes null bytes and non-printing control characters from
// external string inputs. Applied at the validation boundary before any I/O.
func StripControl(in string) string {
	if !controlChars.MatchString(in) {
		return in
	}
	return controlChars.ReplaceAllString(in, "")
}

// NormalizeWhitespace trims and collapses runs of whitespace to single
// spaces. The semantic cache uses this as its prompt canonicalization.
func NormalizeWhitespace(in string) string {
	return strings.Join(strings.Fields(in), " ")
}
