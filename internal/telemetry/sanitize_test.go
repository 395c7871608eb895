package telemetry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeContextRedactsSensitiveKeys(t *testing.T) {
	ctx := map[string]any{
		"apiKey":        "sk-ant-abc123",
		"Authorization": "Bearer x",
		"patientName":   "Jane Doe",
		"PATIENT_MRN":   "12345678",
		"dob":           "1990-01-01",
		"note_length":   1234,
	}

	out := sanitizeContext(ctx)

	assert.Equal(t, RedactionMarker, out["apiKey"])
	assert.Equal(t, RedactionMarker, out["Authorization"])
	assert.Equal(t, RedactionMarker, out["patientName"])
	assert.Equal(t, RedactionMarker, out["PATIENT_MRN"])
	assert.Equal(t, RedactionMarker, out["dob"])
	assert.Equal(t, 1234, out["note_length"])
}

func TestSanitizeContextRecursesIntoNestedMaps(t *testing.T) {
	ctx := map[string]any{
		"request": map[string]any{
			"token": "abc",
			"path":  "/v1/generate",
		},
	}

	out := sanitizeContext(ctx)
	nested := out["request"].(map[string]any)
	assert.Equal(t, RedactionMarker, nested["token"])
	assert.Equal(t, "/v1/generate", nested["path"])
}

func TestSanitizeContextTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("a", maxContextLen+100)
	out := sanitizeContext(map[string]any{"detail": long})

	got := out["detail"].(string)
	assert.Len(t, got, maxContextLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestSanitizeContextBoundsKeyCount(t *testing.T) {
	ctx := make(map[string]any, maxContextKeys*2)
	for i := 0; i < maxContextKeys*2; i++ {
		ctx[strings.Repeat("k", i+1)] = i
	}

	out := sanitizeContext(ctx)
	assert.LessOrEqual(t, len(out), maxContextKeys)
}

func TestSanitizeContextNilAndEmpty(t *testing.T) {
	assert.Nil(t, sanitizeContext(nil))
	assert.Nil(t, sanitizeContext(map[string]any{}))
}

func TestSanitizeValueStringifiesOddTypes(t *testing.T) {
	out := sanitizeContext(map[string]any{
		"items": []string{"a", "b"},
		"ok":    true,
		"pi":    3.14,
	})
	assert.Equal(t, "[a b]", out["items"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, 3.14, out["pi"])
}
