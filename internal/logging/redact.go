package logging

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credential material embedded in free-form text,
// such as upstream error bodies that echo a token back.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(client_secret|clientsecret)["\s:=]+["\s]*([^"\s,}]+)`),
	regexp.MustCompile(`(?i)(access_token|accesstoken)["\s:=]+["\s]*([^"\s,}]+)`),
	regexp.MustCompile(`(?i)(refresh_token|refreshtoken)["\s:=]+["\s]*([^"\s,}]+)`),
	regexp.MustCompile(`(?i)(secret)["\s:=]+["\s]*([^"\s,}]+)`),
	regexp.MustCompile(`(?i)(bearer\s+)([^\s"]+)`),
}

// sensitiveKeys are structured-field names whose values are always redacted.
var sensitiveKeys = map[string]bool{
	"client_secret": true,
	"access_token":  true,
	"refresh_token": true,
	"secret":        true,
	"token":         true,
	"code":          true,
}

// Redact removes credential material from a string.
func Redact(s string) string {
	result := s
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			if len(parts) >= 2 {
				return strings.Replace(match, parts[len(parts)-1], "[REDACTED]", 1)
			}
			return "[REDACTED]"
		})
	}
	return result
}

// RedactFields filters sensitive values from a structured field map.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			result[k] = "[REDACTED]"
		} else if str, ok := v.(string); ok {
			result[k] = Redact(str)
		} else {
			result[k] = v
		}
	}
	return result
}

// MaskToken shortens a token to its last characters for diagnostics.
func MaskToken(t string) string {
	if len(t) < 20 {
		return "[REDACTED]"
	}
	return "..." + t[len(t)-8:]
}
