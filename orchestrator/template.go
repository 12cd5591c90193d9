package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderTemplate substitutes {key} placeholders with string-coerced slot
// values. Placeholders with no bound slot are left verbatim so authoring bugs
// stay visible in the rendered text. Values are substituted literally, with no
// escaping and no re-expansion of placeholders inside values.
func RenderTemplate(template string, slots map[string]any) string {
	result := template
	for key, value := range slots {
		placeholder := "{" + key + "}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, formatSlotValue(value))
		}
	}
	return result
}

// formatSlotValue coerces a slot value to the string form used in rendered
// responses. Whole-number floats print without a decimal point, since JSON
// decoding turns every number into float64.
func formatSlotValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
