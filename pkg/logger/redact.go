package logger

import (
	"regexp"
	"strings"
)

// sensitiveKeys are field names whose values are always redacted,
// regardless of shape. Matched case-insensitively.
var sensitiveKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"verify_token":  {},
	"api_key":       {},
	"apikey":        {},
	"token":         {},
	"password":      {},
	"password_hash": {},
	"secret":        {},
	"authorization": {},
}

var bearerRe = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[a-z0-9\-_.~+/]+=*`)
var jwtRe = regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]*\b`)

const redacted = "[redacted]"

// redactFields returns a copy of fields with sensitive values replaced.
// Never mutates the caller's map.
func redactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = RedactString(s)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// RedactString strips bearer/basic auth headers and JWT-shaped substrings
// from free-form text before it reaches a log line.
func RedactString(s string) string {
	s = bearerRe.ReplaceAllString(s, "$1 "+redacted)
	s = jwtRe.ReplaceAllString(s, redacted)
	return s
}
