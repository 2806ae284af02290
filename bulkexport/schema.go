package bulkexport

import (
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator checks resources against JSON schemas, one per profile URL or resource type.
// Resources with no matching schema are passed to Fallback, if any.
type SchemaValidator struct {
	schemas  map[string]*jsonschema.Schema
	Fallback Validator
}

// NewSchemaValidator compiles the schema files named in files, which maps a profile URL or
// resource type to a file path or URL.
func NewSchemaValidator(files map[string]string, fallback Validator) (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: make(map[string]*jsonschema.Schema), Fallback: fallback}
	compiler := jsonschema.NewCompiler()
	for key, location := range files {
		schema, err := compiler.Compile(location)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %q: %w", key, err)
		}
		v.schemas[key] = schema
	}
	return v, nil
}

func (v *SchemaValidator) Validate(res Resource, profile string) []string {
	schema, ok := v.schemas[profile]
	if !ok {
		schema, ok = v.schemas[res.Type]
	}
	if !ok {
		if v.Fallback == nil {
			return nil
		}
		return v.Fallback.Validate(res, profile)
	}

	err := schema.Validate(res.Value.AsArbitraryValue())
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{fmt.Sprintf("%s: %s", res.Type, err)}
	}
	var errs []string
	collectSchemaErrors(res.Type, ve, &errs)
	sort.Strings(errs)
	return errs
}

// collectSchemaErrors reports the leaves of the error tree, which name the failing keywords.
func collectSchemaErrors(resourceType string, ve *jsonschema.ValidationError, errs *[]string) {
	if len(ve.Causes) == 0 {
		location := ve.InstanceLocation
		if location == "" {
			location = "/"
		}
		*errs = append(*errs, fmt.Sprintf("%s at %s: %s", resourceType, location, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(resourceType, c, errs)
	}
}
