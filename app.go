package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openhealth/conformance-harness/bulkexport"
	"github.com/openhealth/conformance-harness/config"
	"github.com/openhealth/conformance-harness/fhirtests"
	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/harness"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/sequence"
	"github.com/openhealth/conformance-harness/framework/session"
	"github.com/openhealth/conformance-harness/framework/suspend"
	"github.com/openhealth/conformance-harness/store"
)

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg         *config.Config
	params      *commandParams
	out         io.Writer
	debugLogger framework.Logger
	env         *fhirtests.Environment
	db          *store.Postgres
	sessions    session.Store
	engine      *sequence.Engine
	harness     *harness.CallbackHarness
}

func newApp(ctx context.Context, params *commandParams, out io.Writer) (*app, error) {
	cfg, err := params.loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, params: params, out: out, debugLogger: framework.NullLogger()}
	if params.debugAll {
		a.debugLogger = framework.StdLogger(os.Stdout, "")
	}

	a.env = &fhirtests.Environment{
		RequestTimeout: cfg.Server.RequestTimeout,
		ClientSecret:   cfg.SMART.ClientSecret,
		Scope:          cfg.SMART.Scope,
		Export: bulkexport.Config{
			Timeout:           cfg.Export.Timeout,
			PollInterval:      cfg.Export.PollInterval,
			RequestTimeout:    cfg.Export.RequestTimeout,
			RequestsPerSecond: cfg.Export.RequestsPerSecond,
			Burst:             cfg.Export.Burst,
		},
		ExportTypes: cfg.Export.Types,
		LineLimit:   bulkexport.ParseLineLimit(cfg.Export.LineLimit),
		Profiles:    cfg.Export.Profiles,
		Validator:   bulkexport.RequiredFieldsValidator{Rules: bulkexport.DefaultRules()},
	}
	if len(cfg.Export.Schemas) > 0 {
		if a.env.Validator, err = bulkexport.NewSchemaValidator(cfg.Export.Schemas, a.env.Validator); err != nil {
			return nil, err
		}
	}
	registry, err := fhirtests.NewRegistry(a.env)
	if err != nil {
		return nil, err
	}

	engineConfig := sequence.Config{
		Registry: registry,
		Logger: &ConsoleRunLogger{
			Out:                  out,
			DebugOutputOnFailure: params.debug || params.debugAll,
			DebugOutputOnSuccess: params.debugAll,
			ShowExcluded:         params.debugAll,
			Reproduce:            params.reproduceCommand,
		},
		DebugLogger: a.debugLogger,
		Policy:      sequence.ConflictPolicy(cfg.Policy),
	}
	if params.filters.IsDefined() {
		engineConfig.Filter = func(seq string, check runner.Check) bool {
			return params.filters.AsFilter(framework.TestID{Path: []string{seq, check.ID}})
		}
	}

	var suspensions suspend.Store
	if cfg.DSN != "" {
		if cfg.Suspend.TokenSecret == "" {
			fmt.Fprintf(out, "Warning: %s is not set, so callbacks cannot resume runs started by another process\n",
				config.EnvTokenSecret)
		}
		if a.db, err = store.Open(ctx, cfg.DSN); err != nil {
			return nil, err
		}
		a.sessions = a.db
		engineConfig.Sessions = a.db
		engineConfig.Runs = a.db
		suspensions = a.db
	} else {
		a.sessions = session.NewMemoryStore()
		engineConfig.Sessions = a.sessions
	}
	engineConfig.Coordinator = suspend.NewCoordinator(suspensions,
		suspend.NewTokenSigner([]byte(cfg.Suspend.TokenSecret)), cfg.Suspend.TTL)

	if a.engine, err = sequence.NewEngine(engineConfig); err != nil {
		a.Close()
		return nil, err
	}

	a.harness = harness.NewCallbackHarness(a.engine, cfg.Callback.Host, cfg.Callback.Port, a.debugLogger)
	a.env.RedirectURI = a.harness.RegisterEndpoint(fhirtests.RedirectEndpoint)
	return a, nil
}

// loadSession returns the configured session, creating it if the store has never seen it, with the
// configured inputs merged in.
func (a *app) loadSession(ctx context.Context) (*session.Context, error) {
	sess, err := a.sessions.LoadSession(ctx, a.cfg.Session)
	if errors.Is(err, session.ErrNotFound) {
		sess, err = session.New(a.cfg.Session, nil), nil
	}
	if err != nil {
		return nil, err
	}
	sess.Merge(a.cfg.Inputs)
	if a.cfg.Server.URL != "" {
		sess.Set(fhirtests.KeyServerURL, a.cfg.Server.URL)
	}
	if a.cfg.SMART.ClientID != "" {
		sess.Set(fhirtests.KeyClientID, a.cfg.SMART.ClientID)
	}
	if a.cfg.Server.BearerToken != "" && !sess.Has(fhirtests.KeyAccessToken) {
		sess.Set(fhirtests.KeyAccessToken, a.cfg.Server.BearerToken)
	}
	if err := a.sessions.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
