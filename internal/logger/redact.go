package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts passwords, bearer and API tokens, session cookies and card
// numbers from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Password in key=value or "key":"value" form (covers REDIS_PASSWORD)
	regexp.MustCompile(`(?i)(password["'\s:=]+)[^\s",]+`),
	// Static API tokens, singular or the API_TOKENS list
	regexp.MustCompile(`(?i)(api[_-]?tokens?["'\s:=]+)[^\s",]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// Session cookies
	regexp.MustCompile(`(?i)((?:session|session_id|sid)=)[^;\s",]+`),
	// crowdsec LAPI key patterns
	regexp.MustCompile(`(?i)(lapi[_-]?key["'\s:=]+)\S+`),
	// X-Api-Key header
	regexp.MustCompile(`(?i)(X-Api-Key["'\s:=]+)\S+`),
	// Card numbers: explicit field, or four groups of four digits
	regexp.MustCompile(`(?i)(card[_-]?number["'\s:=]+)[0-9 \-]{12,23}`),
	regexp.MustCompile(`(\b)\d{4}[ \-]\d{4}[ \-]\d{4}[ \-]\d{4}\b`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	// Original length, so callers don't see short writes after redaction.
	return len(p), nil
}

// appendRedacted keeps capture group $1 and appends the mask.
func appendRedacted(redact string) []byte {
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
