package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var formatPatterns = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`),
	"phone": regexp.MustCompile(`^\+?[0-9][0-9\-\s]{6,14}[0-9]$`),
	"dni":   regexp.MustCompile(`^\d{8}$`),
	"ruc":   regexp.MustCompile(`^\d{11}$`),
}

// keywordGroup is one AND/OR group of a keywords-mode validation node.
type keywordGroup struct {
	Mode  string   `json:"mode"`  // contains | exact
	Terms []string `json:"terms"`
	Combine string `json:"combine"` // and | or, within the group's own terms
}

// evalValidation implements spec.md §4.5's validation node: a pure
// predicate over the last user input, returning true on out:match.
// cfg is the node's raw Config map; unsupported/malformed config
// returns false with an error (the validation node then follows
// out:error) rather than panicking the task.
func evalValidation(mode string, cfg map[string]interface{}, input string, vars map[string]string) (bool, error) {
	switch mode {
	case "keywords":
		return evalKeywords(cfg, input), nil
	case "format":
		kind, _ := cfg["format"].(string)
		re, ok := formatPatterns[kind]
		if !ok {
			return false, fmt.Errorf("unknown format %q", kind)
		}
		return re.MatchString(strings.TrimSpace(input)), nil
	case "variable":
		name, _ := cfg["variable"].(string)
		want, _ := cfg["equals"].(string)
		return vars[name] == want, nil
	case "range":
		n, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
		if err != nil {
			return false, nil
		}
		min, _ := cfg["min"].(float64)
		max, _ := cfg["max"].(float64)
		return n >= min && n <= max, nil
	case "length":
		min, _ := cfg["min"].(float64)
		max, _ := cfg["max"].(float64)
		l := float64(len([]rune(strings.TrimSpace(input))))
		if max == 0 {
			max = 1 << 30
		}
		return l >= min && l <= max, nil
	case "regex":
		pattern, _ := cfg["pattern"].(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(input), nil
	case "options_list":
		opts, _ := cfg["options"].([]interface{})
		folded := foldCase(input)
		for _, o := range opts {
			if s, ok := o.(string); ok && foldCase(s) == folded {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown validation mode %q", mode)
	}
}

func evalKeywords(cfg map[string]interface{}, input string) bool {
	rawGroups, _ := cfg["groups"].([]interface{})
	combine, _ := cfg["combine"].(string) // and | or across groups
	if combine == "" {
		combine = "or"
	}
	folded := foldCase(input)

	results := make([]bool, 0, len(rawGroups))
	for _, rg := range rawGroups {
		gm, ok := rg.(map[string]interface{})
		if !ok {
			continue
		}
		mode, _ := gm["mode"].(string)
		if mode == "" {
			mode = "contains"
		}
		termsRaw, _ := gm["terms"].([]interface{})
		groupCombine, _ := gm["combine"].(string)
		if groupCombine == "" {
			groupCombine = "or"
		}

		var termHits []bool
		for _, t := range termsRaw {
			term, ok := t.(string)
			if !ok {
				continue
			}
			term = foldCase(term)
			var hit bool
			if mode == "exact" {
				hit = folded == term
			} else {
				hit = strings.Contains(folded, term)
			}
			termHits = append(termHits, hit)
		}
		results = append(results, combineBools(termHits, groupCombine))
	}
	return combineBools(results, combine)
}

func combineBools(bs []bool, mode string) bool {
	if len(bs) == 0 {
		return false
	}
	if mode == "and" {
		for _, b := range bs {
			if !b {
				return false
			}
		}
		return true
	}
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

// conditionRule is one rule of a condition node (spec.md §4.5):
// compares a named source against an expected value.
type conditionRule struct {
	Source   string `json:"source"` // user_message | variable | keyword | crm_field
	Field    string `json:"field"`  // variable/crm_field name, when applicable
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// evalCondition implements the condition node: n rules combined
// all|any, evaluated against the last user message, session
// variables, keyword membership, or a CRM field.
func evalCondition(cfg map[string]interface{}, userMessage string, vars map[string]string, crm CRMResolver, conversationID string) bool {
	rawRules, _ := cfg["rules"].([]interface{})
	combine, _ := cfg["combine"].(string)
	if combine == "" {
		combine = "all"
	}

	var hits []bool
	for _, rr := range rawRules {
		rm, ok := rr.(map[string]interface{})
		if !ok {
			continue
		}
		source, _ := rm["source"].(string)
		field, _ := rm["field"].(string)
		operator, _ := rm["operator"].(string)
		value, _ := rm["value"].(string)

		var actual string
		switch source {
		case "user_message":
			actual = userMessage
		case "variable":
			actual = vars[field]
		case "keyword":
			hits = append(hits, strings.Contains(foldCase(userMessage), foldCase(value)))
			continue
		case "crm_field":
			if crm != nil {
				actual, _ = crm.ResolveField(conversationID, field)
			}
		}
		hits = append(hits, compareValues(actual, operator, value))
	}

	if combine == "any" {
		return combineBools(hits, "or")
	}
	return combineBools(hits, "and")
}

func compareValues(actual, operator, expected string) bool {
	switch operator {
	case "equals", "":
		return actual == expected
	case "not_equals":
		return actual != expected
	case "contains":
		return strings.Contains(foldCase(actual), foldCase(expected))
	default:
		return false
	}
}
