package fhirtests

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhealth/conformance-harness/bulkexport"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/sequence"
)

const keyExportStatusURL = "export_status_url"

func bulkDataSequence(env *Environment) sequence.Sequence {
	checks := []runner.Check{
		{
			ID:       "kick-off",
			Name:     "System-level export completes with a manifest",
			Required: true,
			Reads:    []string{KeyServerURL, KeyAccessToken},
			Writes:   []string{KeyExportManifest, keyExportStatusURL},
			Run: func(t *runner.T) {
				job := env.export(t, t.Input(KeyAccessToken)).NewJob(kickOffURL(t.Input(KeyServerURL), env.ExportTypes))
				manifest, err := job.Run(t.Context())
				if job.StatusURL != "" {
					t.Set(keyExportStatusURL, job.StatusURL)
				}
				t.Debug("Export finished in state %s after %d polls (%s)", job.State, job.Polls, job.Elapsed)
				t.RequireNoError(err)
				data, err := json.Marshal(manifest)
				t.RequireNoError(err, "encoding manifest")
				t.Set(KeyExportManifest, string(data))
			},
		},
		{
			ID:       "manifest-contents",
			Name:     "Manifest describes the exported files",
			Required: true,
			Reads:    []string{KeyExportManifest},
			Run: func(t *runner.T) {
				m := readManifest(t)
				assert.NotEmpty(t, m.TransactionTime, "manifest has no transactionTime")
				assert.NotEmpty(t, m.Request, "manifest has no request")
				assert.True(t, m.RequiresAccessToken, "files of a protected export must require an access token")
			},
		},
	}
	for _, resourceType := range env.ExportTypes {
		checks = append(checks, validateTypeCheck(env, resourceType))
	}
	checks = append(checks, runner.Check{
		ID:    "delete-export",
		Name:  "Server accepts a DELETE of the completed export",
		Reads: []string{keyExportStatusURL, KeyAccessToken},
		Run: func(t *runner.T) {
			job := env.export(t, t.Input(KeyAccessToken)).NewJob("")
			job.StatusURL = t.Input(keyExportStatusURL)
			status, err := job.Delete(t.Context())
			t.RequireNoError(err)
			if status == http.StatusNotImplemented || status == http.StatusMethodNotAllowed {
				t.Omit("server does not support deleting exports")
			}
			assert.Contains(t, []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent}, status,
				"DELETE returned HTTP %d", status)
		},
	})

	return sequence.Sequence{
		Name:        "bulk-data",
		Title:       "Bulk data export",
		Description: "The server runs an asynchronous system-level export and serves valid NDJSON files.",
		Requires:    []string{KeyServerURL, KeyAccessToken},
		Checks:      checks,
	}
}

// validateTypeCheck fetches every file of one resource type. Patient output is mandatory; other
// types are omitted when the server produced none.
func validateTypeCheck(env *Environment, resourceType string) runner.Check {
	required := resourceType == "Patient"
	return runner.Check{
		ID:       "validate-" + strings.ToLower(resourceType),
		Name:     resourceType + " files are valid NDJSON",
		Required: required,
		Reads:    []string{KeyExportManifest, KeyAccessToken},
		Run: func(t *runner.T) {
			m := readManifest(t)
			files := m.FilesOfType(resourceType)
			if len(files) == 0 {
				if required {
					assert.Fail(t, "manifest has no "+resourceType+" output")
					return
				}
				t.Omit("manifest has no " + resourceType + " output")
			}
			token, _ := t.Get(KeyAccessToken)
			if !m.RequiresAccessToken {
				token = ""
			}
			client := env.export(t, token)
			opts := bulkexport.ValidationOptions{
				Parser:    env.Parser,
				Validator: env.Validator,
				Profile:   env.Profiles[resourceType],
				Limit:     env.LineLimit,
			}
			total := 0
			for _, f := range files {
				report, err := client.FetchAndValidate(t.Context(), f, opts)
				t.RequireNoError(err)
				total += report.Lines
				t.Debug("%s: %d resources, %d validated", f.URL, report.Lines, report.Validated)
			}
			t.Debug("%d %s resources in %d files", total, resourceType, len(files))
		},
	}
}

func readManifest(t *runner.T) *bulkexport.Manifest {
	var m bulkexport.Manifest
	err := json.Unmarshal([]byte(t.Input(KeyExportManifest)), &m)
	require.NoError(t, err, "stored manifest is not valid JSON")
	return &m
}

func kickOffURL(serverURL string, types []string) string {
	u := strings.TrimRight(serverURL, "/") + "/$export"
	if len(types) > 0 {
		u += "?" + url.Values{"_type": {strings.Join(types, ",")}}.Encode()
	}
	return u
}
