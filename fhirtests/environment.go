// Package fhirtests defines the conformance sequences run against a FHIR server.
package fhirtests

import (
	"net/http"
	"time"

	"github.com/openhealth/conformance-harness/bulkexport"
	"github.com/openhealth/conformance-harness/fhirclient"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/sequence"
	"github.com/openhealth/conformance-harness/framework/session"
)

// Session keys shared between sequences.
const (
	KeyServerURL   = session.KeyServerURL
	KeyFHIRVersion = session.KeyFHIRVersion
	KeyClientID    = "client_id"
	KeyAccessToken = "access_token"
	KeyPatientID   = "patient_id"

	KeyAuthorizeURL     = "smart_authorization_endpoint"
	KeyTokenURL         = "smart_token_endpoint"
	KeyCode             = "code"
	KeyError            = "error"
	KeyErrorDescription = "error_description"

	KeyExportManifest = "export_manifest"
)

// RedirectEndpoint is the callback endpoint that receives the SMART authorization redirect.
const RedirectEndpoint = "smart-redirect"

// Environment is everything the checks need besides the session: client settings and the
// collaborators used to validate exported data.
type Environment struct {
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Transport         http.RoundTripper

	// RedirectURI is the external URL of RedirectEndpoint.
	RedirectURI  string
	ClientSecret string
	Scope        string

	Export      bulkexport.Config
	ExportTypes []string
	LineLimit   bulkexport.LineLimit
	Profiles    map[string]string
	Parser      bulkexport.Parser
	Validator   bulkexport.Validator
}

func (e *Environment) fhir(t *runner.T, token string) *fhirclient.Client {
	url, _ := t.Get(KeyServerURL)
	return fhirclient.NewClient(fhirclient.Config{
		BaseURL:           url,
		BearerToken:       token,
		RequestTimeout:    e.RequestTimeout,
		RequestsPerSecond: e.RequestsPerSecond,
		Transport:         e.Transport,
		Logger:            t.DebugLogger(),
	})
}

func (e *Environment) export(t *runner.T, token string) *bulkexport.Client {
	cfg := e.Export
	cfg.BearerToken = token
	cfg.Transport = e.Transport
	cfg.Logger = t.DebugLogger()
	return bulkexport.NewClient(cfg)
}

// Sequences returns every sequence definition in a suggested plan order.
func Sequences(env *Environment) []sequence.Sequence {
	return []sequence.Sequence{
		capabilitySequence(env),
		smartLaunchSequence(env),
		bulkDataSequence(env),
	}
}

// NewRegistry registers every sequence.
func NewRegistry(env *Environment) (*sequence.Registry, error) {
	r := sequence.NewRegistry()
	for _, s := range Sequences(env) {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}
