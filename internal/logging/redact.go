// Package logging provides log redaction for the risk graph services.
// Event metadata, dead-letter payloads, and configuration all pass through
// the logs at some point, so attribute values under credential-like keys are
// masked before a handler sees them.
package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// MaskedValue replaces sensitive values in log output.
const MaskedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose values are always masked.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"signing_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"session_id":    true,
	"cookie":        true,
	"sasl_password": true,
}

// IsSensitiveKey reports whether an attribute name should have its value
// masked.
func IsSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	if sensitiveKeys[lower] {
		return true
	}
	for k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactAttr is a slog.HandlerOptions.ReplaceAttr function that masks values
// logged under sensitive keys.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	return a
}

// secretPatterns match credential material embedded in free-form strings,
// such as raw event payloads quoted in dead-letter log lines.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?[a-zA-Z0-9_\-.]+['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA|AROA|AIDA)[A-Z0-9]{16}`),
}

// MaskSecrets masks credential-shaped substrings in a raw string.
func MaskSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// MaskTail shows only the first four characters of a secret, enough to
// confirm which key is in use without exposing it.
func MaskTail(s string) string {
	if len(s) <= 8 {
		return MaskedValue
	}
	return s[:4] + "****"
}
