package bulkexport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// Resource is a parsed resource and its declared type.
type Resource struct {
	Type  string
	Value ldvalue.Value
}

// Parser decodes one serialized resource. format is a media type hint such as
// "application/fhir+json".
type Parser interface {
	Parse(data []byte, format string) (Resource, error)
}

// Validator is the profile-matching oracle. It returns every problem it finds; an empty result
// means the resource conforms to the profile.
type Validator interface {
	Validate(res Resource, profile string) []string
}

// JSONParser parses JSON resources and reads their resourceType.
type JSONParser struct{}

func (JSONParser) Parse(data []byte, format string) (Resource, error) {
	if format != "" && !strings.Contains(format, "json") {
		return Resource{}, fmt.Errorf("unsupported resource format %q", format)
	}
	var v ldvalue.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Resource{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if v.Type() != ldvalue.ObjectType {
		return Resource{}, fmt.Errorf("resource is a JSON %s, not an object", v.Type())
	}
	rt := v.GetByKey("resourceType")
	if rt.Type() != ldvalue.StringType || rt.StringValue() == "" {
		return Resource{}, fmt.Errorf("resource has no resourceType")
	}
	return Resource{Type: rt.StringValue(), Value: v}, nil
}

// RequiredFieldsValidator checks that required top-level elements are present. Rules are keyed by
// profile URL; if there is no rule for the profile, the rule for the resource type is used.
type RequiredFieldsValidator struct {
	Rules map[string][]string
}

func (v RequiredFieldsValidator) Validate(res Resource, profile string) []string {
	fields, ok := v.Rules[profile]
	if !ok {
		fields = v.Rules[res.Type]
	}
	var errs []string
	for _, f := range fields {
		if res.Value.GetByKey(f).IsNull() {
			errs = append(errs, fmt.Sprintf("%s: missing required element %q", res.Type, f))
		}
	}
	if id := res.Value.GetByKey("id"); !id.IsNull() && id.Type() != ldvalue.StringType {
		errs = append(errs, fmt.Sprintf("%s: id must be a string", res.Type))
	}
	sort.Strings(errs)
	return errs
}

// DefaultRules are the minimal required elements for the resource types a bulk export most often
// contains.
func DefaultRules() map[string][]string {
	return map[string][]string{
		"Patient":            {"id"},
		"Observation":        {"id", "status", "code"},
		"Condition":          {"id", "subject"},
		"Encounter":          {"id", "status"},
		"Procedure":          {"id", "status", "subject"},
		"MedicationRequest":  {"id", "status", "intent", "subject"},
		"AllergyIntolerance": {"id", "patient"},
		"Immunization":       {"id", "status", "patient"},
	}
}
