package engine

import (
	"regexp"
	"strings"
)

// tokenRe matches both {{entity:FIELD}} (CRM-sourced) and
// {{variable_name}} (session-variable) substitution tokens.
var tokenRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)(?::([a-zA-Z0-9_]+))?\}\}`)

// CRMResolver looks up a CRM-backed field for {{entity:FIELD}} tokens.
// Implemented by pkg/crm; the engine only depends on this narrow
// interface to avoid importing the CRM package directly.
type CRMResolver interface {
	ResolveField(conversationID, field string) (string, bool)
}

// substituteVars expands {{entity:FIELD}} and {{variable_name}} tokens
// in text at materialization time only — the stored message keeps the
// substituted text, never the template. A token with no resolution
// (unknown variable, CRM lookup miss, or no CRM configured) is left
// literal rather than dropped.
func substituteVars(text string, conversationID string, vars map[string]string, crm CRMResolver) string {
	return tokenRe.ReplaceAllStringFunc(text, func(token string) string {
		m := tokenRe.FindStringSubmatch(token)
		prefix, field := m[1], m[2]
		if field != "" {
			if prefix != "entity" {
				return token
			}
			if crm == nil {
				return token
			}
			if v, ok := crm.ResolveField(conversationID, field); ok {
				return v
			}
			return token
		}
		if v, ok := vars[prefix]; ok {
			return v
		}
		return token
	})
}

// foldCase is the Unicode case-folding used by validation's keyword
// matching (spec.md §4.5 validation/keywords mode).
func foldCase(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
