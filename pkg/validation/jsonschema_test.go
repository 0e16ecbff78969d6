package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const mailParamSchema = `{
	"type": "object",
	"required": ["recipients", "subject"],
	"properties": {
		"recipients": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"subject": {"type": "string", "minLength": 1}
	}
}`

func TestValidateJSONWithSchema_Valid(t *testing.T) {
	params := `{"recipients": ["team@example.com"], "subject": "Weekly sales"}`
	assert.NoError(t, ValidateJSONWithSchema(mailParamSchema, params))
}

func TestValidateJSONWithSchema_Invalid(t *testing.T) {
	missingRequired := `{"subject": "no recipients"}`
	err := ValidateJSONWithSchema(mailParamSchema, missingRequired)
	assert.Error(t, err)
	if err != nil {
		assert.Contains(t, err.Error(), "missing properties: 'recipients'")
	}

	wrongType := `{"recipients": "team@example.com", "subject": "Weekly sales"}`
	err = ValidateJSONWithSchema(mailParamSchema, wrongType)
	assert.Error(t, err)

	emptyList := `{"recipients": [], "subject": "Weekly sales"}`
	err = ValidateJSONWithSchema(mailParamSchema, emptyList)
	assert.Error(t, err)
}

func TestValidateJSONWithSchema_EmptySchemaAcceptsAnything(t *testing.T) {
	assert.NoError(t, ValidateJSONWithSchema("", `{"anything": true}`))
}

func TestValidateJSONWithSchema_InvalidSchema(t *testing.T) {
	err := ValidateJSONWithSchema(`{"type": "object", "properties": {"query": {"type": "str"}}}`, `{"query": "sales"}`)
	assert.Error(t, err)
	if err != nil {
		assert.Contains(t, err.Error(), "failed to compile JSON schema")
	}
}

func TestValidateJSONWithSchema_MalformedData(t *testing.T) {
	err := ValidateJSONWithSchema(mailParamSchema, "")
	assert.Error(t, err)
	if err != nil {
		assert.Contains(t, err.Error(), "failed to unmarshal JSON data")
	}
}
