package core

import (
	"encoding/json"
	"strings"
)

// RedactedPlaceholder replaces sensitive values in logs, event payloads, and
// persisted error details.
const RedactedPlaceholder = "[REDACTED]"

// sensitiveKeyFragments flags a key as sensitive when any fragment appears in
// its lowercase form. "api_key" and "apiKey" both normalize onto "apikey".
var sensitiveKeyFragments = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credential",
	"authorization",
	"private_key",
	"access_key",
}

// IsSensitiveKey reports whether a map key looks like it carries a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactSensitive returns a deep copy of value with every sensitive map entry
// replaced by RedactedPlaceholder. The input is never mutated. Values are
// traversed through nested maps and slices; non-container values pass through
// unchanged.
func RedactSensitive(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if IsSensitiveKey(key) {
				out[key] = RedactedPlaceholder
				continue
			}
			out[key] = RedactSensitive(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for idx, inner := range v {
			out[idx] = RedactSensitive(inner)
		}
		return out
	default:
		return value
	}
}

// RedactMap is RedactSensitive specialized for the common map case.
// A nil map stays nil.
func RedactMap(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	return RedactSensitive(fields).(map[string]interface{})
}

// SanitizeJSON round-trips value through JSON so downstream consumers only
// ever see plain maps, slices, strings, bools, and float64 numbers. Types
// that cannot be represented in JSON (channels, funcs) are replaced with
// their string rendering rather than failing the whole payload.
func SanitizeJSON(value interface{}) interface{} {
	raw, err := json.Marshal(value)
	if err != nil {
		return strings.TrimSpace(strings.ReplaceAll(errString(err), "\n", " "))
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
