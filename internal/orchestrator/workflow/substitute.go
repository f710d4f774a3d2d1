package workflow

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteString resolves ${key} placeholders against the execution
// context. Unknown keys are left literal and reported back to the caller.
func substituteString(s string, context map[string]interface{}) (string, []string) {
	var unknown []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := context[key]
		if !ok {
			unknown = append(unknown, key)
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	return out, unknown
}

// substituteParams resolves placeholders in every string-valued param,
// including nested maps and slices.
func substituteParams(params map[string]interface{}, context map[string]interface{}) (map[string]interface{}, []string) {
	if params == nil {
		return nil, nil
	}
	var unknown []string
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved, missing := substituteValue(value, context)
		out[key] = resolved
		unknown = append(unknown, missing...)
	}
	return out, unknown
}

func substituteValue(value interface{}, context map[string]interface{}) (interface{}, []string) {
	switch v := value.(type) {
	case string:
		resolved, missing := substituteString(v, context)
		return resolved, missing
	case map[string]interface{}:
		resolved, missing := substituteParams(v, context)
		return resolved, missing
	case []interface{}:
		var unknown []string
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, missing := substituteValue(item, context)
			out[i] = resolved
			unknown = append(unknown, missing...)
		}
		return out, unknown
	default:
		return value, nil
	}
}
