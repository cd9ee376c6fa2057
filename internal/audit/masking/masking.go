package masking

import "strings"

const maskToken = "****"

// MaskEmail keeps the first character of the local part and the whole domain.
func MaskEmail(value string) string {
	trimmed := strings.TrimSpace(value)
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 {
		return trimmed
	}
	return trimmed[:1] + maskToken + trimmed[at:]
}

// MaskMetadata returns a copy of the input with email addresses redacted.
// The result is never nil.
func MaskMetadata(input map[string]any) map[string]any {
	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value)
	}
	return masked
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		if strings.Contains(cast, "@") {
			return MaskEmail(cast)
		}
		return cast
	case map[string]any:
		return MaskMetadata(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}
