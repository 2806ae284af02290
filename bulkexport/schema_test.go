package bulkexport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const observationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["resourceType", "status", "code"],
  "properties": {
    "status": {"enum": ["registered", "preliminary", "final", "amended"]}
  }
}`

func parse(t *testing.T, line string) Resource {
	res, err := JSONParser{}.Parse([]byte(line), "")
	require.NoError(t, err)
	return res
}

func TestSchemaValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observation.schema.json")
	require.NoError(t, os.WriteFile(path, []byte(observationSchema), 0o600))

	v, err := NewSchemaValidator(map[string]string{"Observation": path},
		RequiredFieldsValidator{Rules: DefaultRules()})
	require.NoError(t, err)

	assert.Empty(t, v.Validate(parse(t, `{"resourceType":"Observation","status":"final","code":{}}`), ""))

	errs := v.Validate(parse(t, `{"resourceType":"Observation","status":"done"}`), "")
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "Observation at ")

	// no schema for Patient, so the fallback applies
	errs = v.Validate(parse(t, `{"resourceType":"Patient"}`), "")
	assert.Equal(t, []string{`Patient: missing required element "id"`}, errs)
}

func TestSchemaValidatorRejectsBadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": 12}`), 0o600))
	_, err := NewSchemaValidator(map[string]string{"Observation": path}, nil)
	assert.Error(t, err)
}
