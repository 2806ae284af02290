package fhirtests

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhealth/conformance-harness/fhirclient"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/sequence"
)

var r4Versions = []string{"4.0.0", "4.0.1"}

func capabilitySequence(env *Environment) sequence.Sequence {
	readCapability := func(t *runner.T) fhirclient.Capability {
		c, err := env.fhir(t, "").Capability(t.Context())
		t.RequireNoError(err, "reading capability statement")
		return c
	}

	return sequence.Sequence{
		Name:        "capability",
		Title:       "Capability statement",
		Description: "The server publishes a CapabilityStatement describing the features the other sequences rely on.",
		Requires:    []string{KeyServerURL},
		Defines:     []string{KeyFHIRVersion},
		Checks: []runner.Check{
			{
				ID:       "metadata",
				Name:     "Server returns a CapabilityStatement from /metadata",
				Required: true,
				Reads:    []string{KeyServerURL},
				Writes:   []string{KeyFHIRVersion},
				Run: func(t *runner.T) {
					c := readCapability(t)
					require.NotEmpty(t, c.FHIRVersion, "CapabilityStatement has no fhirVersion")
					t.Set(KeyFHIRVersion, c.FHIRVersion)
				},
			},
			{
				ID:       "json-format",
				Name:     "Server supports the JSON format",
				Required: true,
				Reads:    []string{KeyServerURL},
				Run: func(t *runner.T) {
					c := readCapability(t)
					assert.True(t, c.SupportsFormat("json"), "formats %v do not include JSON", c.Formats)
				},
			},
			{
				ID:       "export-operation",
				Name:     "Server declares the $export operation",
				Reads:    []string{KeyServerURL},
				Versions: r4Versions,
				Run: func(t *runner.T) {
					c := readCapability(t)
					if !c.HasOperation("export") {
						t.Omit("server does not declare bulk data export")
					}
				},
			},
			{
				ID:       "patient-resource",
				Name:     "Server declares the Patient resource",
				Required: true,
				Reads:    []string{KeyServerURL},
				Run: func(t *runner.T) {
					c := readCapability(t)
					assert.Contains(t, c.ResourceTypes(), "Patient")
				},
			},
		},
	}
}
