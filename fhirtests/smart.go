package fhirtests

import (
	"fmt"
	"strings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhealth/conformance-harness/fhirclient"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/sequence"
)

func smartLaunchSequence(env *Environment) sequence.Sequence {
	return sequence.Sequence{
		Name:        "smart-standalone-launch",
		Title:       "SMART standalone launch",
		Description: "An app launched outside the EHR obtains an access token through the authorization code flow.",
		Requires:    []string{KeyServerURL, KeyClientID},
		Defines:     []string{KeyAccessToken, KeyPatientID},
		Checks: []runner.Check{
			{
				ID:       "smart-configuration",
				Name:     "Server publishes .well-known/smart-configuration",
				Required: true,
				Reads:    []string{KeyServerURL},
				Writes:   []string{KeyAuthorizeURL, KeyTokenURL},
				Run: func(t *runner.T) {
					cfg, err := env.fhir(t, "").SMARTConfiguration(t.Context())
					t.RequireNoError(err, "reading SMART configuration")
					require.NotEmpty(t, cfg.AuthorizationEndpoint, "authorization_endpoint is missing")
					require.NotEmpty(t, cfg.TokenEndpoint, "token_endpoint is missing")
					t.Set(KeyAuthorizeURL, cfg.AuthorizationEndpoint)
					t.Set(KeyTokenURL, cfg.TokenEndpoint)
				},
			},
			{
				ID:    "launch-standalone-capability",
				Name:  "SMART configuration lists launch-standalone",
				Reads: []string{KeyServerURL},
				Run: func(t *runner.T) {
					cfg, err := env.fhir(t, "").SMARTConfiguration(t.Context())
					t.RequireNoError(err)
					if !cfg.HasCapability("launch-standalone") {
						t.Omit("launch-standalone is not listed")
					}
				},
			},
			{
				// The callback delivers the keys this check writes.
				ID:       "authorization-redirect",
				Name:     "Operator authorizes the app",
				Required: true,
				Reads:    []string{KeyServerURL, KeyClientID, KeyAuthorizeURL},
				Writes:   []string{KeyCode, KeyError, KeyErrorDescription},
				Run: func(t *runner.T) {
					if env.RedirectURI == "" {
						t.SkipWithReason("no callback listener is configured")
					}
					authURL, err := fhirclient.AuthorizationRequest{
						Endpoint:    t.Input(KeyAuthorizeURL),
						ClientID:    t.Input(KeyClientID),
						RedirectURI: env.RedirectURI,
						Scope:       env.Scope,
						State:       t.CorrelationToken(),
						Audience:    t.Input(KeyServerURL),
					}.URL()
					t.RequireNoError(err, "building authorization URL")
					t.Debug("Authorization URL: %s", authURL)
					t.WaitForCallback(RedirectEndpoint, authURL)
				},
			},
			{
				ID:       "authorization-response",
				Name:     "Authorization server returns a code",
				Required: true,
				Reads:    []string{KeyCode, KeyError, KeyErrorDescription},
				Run: func(t *runner.T) {
					if e, _ := t.Get(KeyError); e != "" {
						desc, _ := t.Get(KeyErrorDescription)
						assert.Fail(t, fmt.Sprintf("authorization failed with %q: %s", e, desc))
						return
					}
					code, _ := t.Get(KeyCode)
					assert.NotEmpty(t, code, "redirect has no code parameter")
				},
			},
			{
				ID:       "token-exchange",
				Name:     "Code is exchanged for an access token",
				Required: true,
				Reads:    []string{KeyServerURL, KeyClientID, KeyTokenURL, KeyCode},
				Writes:   []string{KeyAccessToken, KeyPatientID},
				Run: func(t *runner.T) {
					tr, err := env.fhir(t, "").ExchangeCode(t.Context(), t.Input(KeyTokenURL), t.Input(KeyCode),
						env.RedirectURI, t.Input(KeyClientID), env.ClientSecret)
					t.RequireNoError(err, "exchanging authorization code")
					require.NotEmpty(t, tr.AccessToken, "token response has no access_token")
					assert.True(t, strings.EqualFold(tr.TokenType, "bearer"), "token_type is %q, not bearer", tr.TokenType)
					t.Set(KeyAccessToken, tr.AccessToken)
					if tr.Patient != "" {
						t.Set(KeyPatientID, tr.Patient)
					}
				},
			},
			{
				ID:       "patient-read",
				Name:     "Access token can read the launch patient",
				Required: true,
				Reads:    []string{KeyServerURL, KeyAccessToken, KeyPatientID},
				Run: func(t *runner.T) {
					patient, ok := t.Get(KeyPatientID)
					if !ok || patient == "" {
						t.Omit("token response has no patient context")
					}
					resp, err := env.fhir(t, t.Input(KeyAccessToken)).Get(t.Context(), "Patient/"+patient, fhirclient.FHIRJSON)
					t.RequireNoError(err)
					require.Equal(t, 200, resp.Status, "reading Patient/%s", patient)
					v, err := resp.JSON()
					t.RequireNoError(err)
					assert.Equal(t, "Patient", v.GetByKey("resourceType").StringValue())
					assert.Equal(t, patient, v.GetByKey("id").StringValue())
				},
			},
		},
	}
}
