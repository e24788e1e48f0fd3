package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveKey(t *testing.T) {
	for _, key := range []string{
		"password", "DB_PASSWORD", "apiKey", "api_key", "x-authorization",
		"client_secret", "refresh_token", "aws_access_key_id", "PRIVATE_KEY",
	} {
		assert.True(t, IsSensitiveKey(key), "key %q", key)
	}
	for _, key := range []string{"message", "model_id", "replicas", "endpoint"} {
		assert.False(t, IsSensitiveKey(key), "key %q", key)
	}
}

func TestRedactMapRedactsNestedValues(t *testing.T) {
	in := map[string]interface{}{
		"message": "deploying",
		"api_key": "sk-live-12345",
		"config": map[string]interface{}{
			"endpoint": "https://api.example.com",
			"token":    "abc",
		},
		"attempts": []interface{}{
			map[string]interface{}{"password": "hunter2", "status": "failed"},
		},
	}

	out := RedactMap(in)

	assert.Equal(t, RedactedPlaceholder, out["api_key"])
	assert.Equal(t, "deploying", out["message"])
	nested := out["config"].(map[string]interface{})
	assert.Equal(t, RedactedPlaceholder, nested["token"])
	assert.Equal(t, "https://api.example.com", nested["endpoint"])
	attempt := out["attempts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, RedactedPlaceholder, attempt["password"])
	assert.Equal(t, "failed", attempt["status"])

	// The input map is never mutated.
	assert.Equal(t, "sk-live-12345", in["api_key"])
	assert.Equal(t, "abc", in["config"].(map[string]interface{})["token"])
}

func TestRedactMapNilStaysNil(t *testing.T) {
	assert.Nil(t, RedactMap(nil))
}

func TestSanitizeJSONNormalizesTypes(t *testing.T) {
	type payload struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}

	out := SanitizeJSON(payload{Count: 3, Name: "deploy"})
	m, ok := out.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, float64(3), m["count"])
	assert.Equal(t, "deploy", m["name"])

	// Unmarshalable values degrade to a string instead of failing.
	out = SanitizeJSON(make(chan int))
	_, isString := out.(string)
	assert.True(t, isString)
}
