package bulkexport

import (
	"encoding/json"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/openhealth/conformance-harness/framework/outcome"
)

// OutputFile is one manifest entry: a resource type and the URL of a file of that type.
type OutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// Manifest is the body of a completed export's status response.
type Manifest struct {
	TransactionTime     string       `json:"transactionTime"`
	Request             string       `json:"request"`
	RequiresAccessToken bool         `json:"requiresAccessToken"`
	Output              []OutputFile `json:"output"`
	Error               []OutputFile `json:"error"`
}

// FilesOfType returns the output entries for one resource type, in manifest order.
func (m *Manifest) FilesOfType(resourceType string) []OutputFile {
	var ret []OutputFile
	for _, f := range m.Output {
		if f.Type == resourceType {
			ret = append(ret, f)
		}
	}
	return ret
}

// Types returns the distinct resource types in the manifest, in order of first appearance.
func (m *Manifest) Types() []string {
	seen := make(map[string]bool)
	var ret []string
	for _, f := range m.Output {
		if !seen[f.Type] {
			seen[f.Type] = true
			ret = append(ret, f.Type)
		}
	}
	return ret
}

func parseManifest(body []byte) (*Manifest, error) {
	var raw ldvalue.Value
	if err := json.Unmarshal(body, &raw); err != nil || raw.Type() != ldvalue.ObjectType {
		return nil, outcome.ServerViolation("completed export status response is not a JSON object")
	}
	output := raw.GetByKey("output")
	if output.Type() != ldvalue.ArrayType {
		return nil, outcome.ServerViolation("completed export status response has no output manifest")
	}
	for i := 0; i < output.Count(); i++ {
		entry := output.GetByIndex(i)
		if entry.GetByKey("type").StringValue() == "" || entry.GetByKey("url").StringValue() == "" {
			return nil, outcome.ServerViolation("output manifest entry %d must have a type and a url", i)
		}
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, outcome.ServerViolation("malformed output manifest: %s", err)
	}
	return &m, nil
}
