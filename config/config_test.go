package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  url: https://fhir.example/r4
  bearerToken: abc
smart:
  clientId: harness
export:
  timeout: 90s
  lineLimit: all
  types: [Patient, Observation]
  profiles:
    Patient: http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient
  schemas:
    Observation: schemas/observation.json
callback:
  port: 9000
conflictPolicy: queue
sequences: [capability, bulk-data]
inputs:
  group_id: "42"
`

func TestLoad(t *testing.T) {
	c, err := Load([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "https://fhir.example/r4", c.Server.URL)
	assert.Equal(t, "harness", c.SMART.ClientID)
	assert.Equal(t, 90*time.Second, c.Export.Timeout)
	assert.Equal(t, 5*time.Second, c.Export.PollInterval)
	assert.Equal(t, "all", c.Export.LineLimit)
	assert.Equal(t, []string{"Patient", "Observation"}, c.Export.Types)
	assert.Contains(t, c.Export.Profiles["Patient"], "us-core-patient")
	assert.Equal(t, "schemas/observation.json", c.Export.Schemas["Observation"])
	assert.Equal(t, "localhost", c.Callback.Host)
	assert.Equal(t, 9000, c.Callback.Port)
	assert.Equal(t, "queue", c.Policy)
	assert.Equal(t, []string{"capability", "bulk-data"}, c.Plan)
	assert.Equal(t, "42", c.Inputs["group_id"])
	assert.Equal(t, 30*time.Minute, c.Suspend.TTL)
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 180*time.Second, c.Export.Timeout)
	assert.Equal(t, DefaultCallbackPort, c.Callback.Port)
	assert.Equal(t, "cancel", c.Policy)
	assert.Equal(t, []string{"Patient"}, c.Export.Types)
}

func TestInvalidConfig(t *testing.T) {
	_, err := Load([]byte("conflictPolicy: sometimes\n"))
	assert.Error(t, err)
	_, err = Load([]byte("server: [\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	c := &Config{DSN: "postgres://file"}
	env := map[string]string{EnvDSN: "postgres://env", EnvTokenSecret: "s3cret"}
	c.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "postgres://env", c.DSN)
	assert.Equal(t, "s3cret", c.Suspend.TokenSecret)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", c.Server.BearerToken)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
