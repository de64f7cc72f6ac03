package loader

import (
	"fmt"
	"regexp"
)

// variablePattern matches {{ variable }} templates.
var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Interpolate replaces {{ variable }} placeholders in a string with values
// from vars. Undefined variables are left unchanged.
func Interpolate(template string, vars map[string]string) string {
	return interpolate(template, vars, func(v string) string { return v })
}

// InterpolatePattern is like Interpolate but quotes substituted values so
// they match literally inside a regular expression.
func InterpolatePattern(template string, vars map[string]string) string {
	return interpolate(template, vars, regexp.QuoteMeta)
}

func interpolate(template string, vars map[string]string, quote func(string) string) string {
	if len(vars) == 0 {
		return template
	}

	return variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		submatches := variablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		value, exists := vars[submatches[1]]
		if !exists {
			return match
		}
		return quote(value)
	})
}

// MergeVars combines script defaults with caller overrides; overrides win.
func MergeVars(defaults map[string]interface{}, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = valueToString(v)
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// valueToString converts a YAML scalar to its string representation.
func valueToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		// Format without trailing zeros for whole numbers
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
