package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhealth/conformance-harness/fhirclient"
	"github.com/openhealth/conformance-harness/fhirtests"
	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/harness"
	"github.com/openhealth/conformance-harness/framework/sequence"
	"github.com/openhealth/conformance-harness/framework/session"
	"github.com/openhealth/conformance-harness/store"
)

const shutdownTimeout = time.Second * 5

// errChecksFailed makes the process exit with status 1 without printing anything more.
var errChecksFailed = errors.New("required checks failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCommand(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errChecksFailed) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	params := &commandParams{}
	root := &cobra.Command{
		Use:           "fhir-harness",
		Short:         "Conformance checks for FHIR servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	params.addPersistentFlags(root)
	root.AddCommand(
		newRunCommand(params, out),
		newSequencesCommand(params, out),
		newResumeCommand(params, out),
		newCancelCommand(params, out),
		newMigrateCommand(params, out),
	)
	return root
}

func newRunCommand(params *commandParams, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [sequence...]",
		Short: "Run sequences against the server, waiting for callbacks as needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequences(cmd.Context(), params, args, out)
		},
	}
	params.addRunFlags(cmd)
	return cmd
}

func runSequences(ctx context.Context, params *commandParams, names []string, out io.Writer) error {
	a, err := newApp(ctx, params, out)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.cfg.Server.URL == "" {
		return errors.New("no server URL: set server.url in the config file or use --url")
	}
	if len(names) == 0 {
		names = a.cfg.Plan
	}
	if len(names) == 0 {
		names = a.engine.Registry().Names()
	}

	sess, err := a.loadSession(ctx)
	if err != nil {
		return err
	}

	client := fhirclient.NewClient(fhirclient.Config{
		BaseURL:        a.cfg.Server.URL,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Logger:         a.debugLogger,
	})
	capability, err := client.WaitForServer(ctx, a.cfg.Server.MetadataTimeout, out)
	if err != nil {
		return fmt.Errorf("FHIR server error: %w", err)
	}
	if capability.FHIRVersion != "" {
		sess.Set(session.KeyFHIRVersion, capability.FHIRVersion)
	}

	fmt.Fprintln(out)
	framework.PrintFilterDescription(out, params.filters, unsupportedFeatures(capability))

	if err := a.harness.Start(a.cfg.Callback.Port); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.harness.Close(shutdownCtx)
	}()
	fmt.Fprintf(out, "Callbacks are received at %s\n\n", a.env.RedirectURI)

	plan, err := a.engine.RunPlan(ctx, names, sess)
	for err == nil {
		waiting, ok := plan.Waiting()
		if !ok {
			break
		}
		plan, err = awaitResumption(ctx, a, plan, waiting, sess)
	}
	if err != nil {
		return err
	}

	results, err := collectResults(ctx, a.engine, plan)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printPlan(out, plan)
	framework.PrintResults(out, results)
	if !results.OK() {
		return errChecksFailed
	}
	return nil
}

// awaitResumption blocks until the waiting entry's run has been resumed by a callback, then lets
// the plan continue. If no callback arrives within the suspension TTL the run is cancelled.
func awaitResumption(ctx context.Context, a *app, plan sequence.Plan, waiting sequence.PlanEntry,
	sess *session.Context) (sequence.Plan, error) {
	if _, err := nextCallback(ctx, a.harness, a.cfg.Suspend.TTL, a.out); err != nil {
		fmt.Fprintf(a.out, "No callback for %s: %s\n", waiting.Sequence, err)
		cancelCtx := context.WithoutCancel(ctx)
		if cerr := a.engine.CancelSequence(cancelCtx, waiting.RunID); cerr != nil && !errors.Is(cerr, sequence.ErrRunFinished) {
			return plan, cerr
		}
		if ctx.Err() != nil {
			return plan, ctx.Err()
		}
	}
	return a.engine.AdvancePlan(ctx, plan, sess)
}

type callbackSource interface {
	AwaitCallback(ctx context.Context, timeout time.Duration) (harness.Callback, error)
}

// nextCallback returns the first callback that resumed a run. Rejected callbacks are reported and
// skipped, but do not extend the wait beyond ttl.
func nextCallback(ctx context.Context, src callbackSource, ttl time.Duration, out io.Writer) (harness.Callback, error) {
	deadline := time.Now().Add(ttl)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return harness.Callback{}, fmt.Errorf("timed out after %s waiting for a callback", ttl)
		}
		cb, err := src.AwaitCallback(ctx, remaining)
		if err != nil {
			return cb, err
		}
		if cb.Err == nil {
			return cb, nil
		}
		fmt.Fprintf(out, "Ignored callback on %s: %s\n", cb.EndpointID, cb.Err)
	}
}

func collectResults(ctx context.Context, engine *sequence.Engine, plan sequence.Plan) (framework.Results, error) {
	var results framework.Results
	for _, entry := range plan.Entries {
		if entry.RunID == "" {
			continue
		}
		run, err := engine.Run(ctx, entry.RunID)
		if err != nil {
			return results, err
		}
		for _, r := range run.Results {
			results.Add(framework.TestResult{
				TestID:   framework.TestID{Path: []string{run.Sequence, r.CheckID}},
				Outcome:  r.Outcome,
				Required: r.Required,
				Message:  r.Message,
			})
		}
	}
	return results, nil
}

func printPlan(out io.Writer, plan sequence.Plan) {
	for _, entry := range plan.Entries {
		switch entry.State {
		case sequence.PlanBlocked:
			skipColor.Fprintf(out, "%-28s blocked: %s\n", entry.Sequence, entry.Reason)
		default:
			verdictColor(entry.Verdict).Fprintf(out, "%-28s %s\n", entry.Sequence, entry.Verdict)
		}
	}
	fmt.Fprintln(out)
}

func unsupportedFeatures(c fhirclient.Capability) []string {
	var ret []string
	if !c.HasOperation("export") {
		ret = append(ret, "$export")
	}
	if !c.SupportsFormat("json") {
		ret = append(ret, "JSON format")
	}
	return ret
}

func newSequencesCommand(params *commandParams, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sequences",
		Short: "List the available sequences and their checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.loadConfig()
			if err != nil {
				return err
			}
			registry, err := fhirtests.NewRegistry(&fhirtests.Environment{ExportTypes: cfg.Export.Types})
			if err != nil {
				return err
			}
			printSequences(out, registry)
			return nil
		},
	}
}

func printSequences(out io.Writer, registry *sequence.Registry) {
	for _, name := range registry.Names() {
		seq, _ := registry.Get(name)
		headingColor.Fprintf(out, "%s", seq.Name)
		fmt.Fprintf(out, ": %s\n", seq.Title)
		if len(seq.Requires) > 0 {
			fmt.Fprintf(out, "  requires: %s\n", strings.Join(seq.Requires, ", "))
		}
		if len(seq.Defines) > 0 {
			fmt.Fprintf(out, "  defines:  %s\n", strings.Join(seq.Defines, ", "))
		}
		for _, c := range seq.Checks {
			marker := " "
			if c.Required {
				marker = "*"
			}
			fmt.Fprintf(out, "  %s %s/%s: %s\n", marker, seq.Name, c.ID, c.Name)
		}
		fmt.Fprintln(out)
	}
}

func newResumeCommand(params *commandParams, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <token> [key=value...]",
		Short: "Resume a waiting run stored in the database, as a callback would",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}
			a, err := persistentApp(cmd.Context(), params, out)
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.engine.ResumeSequence(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Run %s of %q is %s with verdict %s\n", run.ID, run.Sequence, run.Status, run.Verdict)
			return nil
		},
	}
}

func newCancelCommand(params *commandParams, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a waiting or queued run stored in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := persistentApp(cmd.Context(), params, out)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.engine.CancelSequence(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Cancelled run %s\n", args[0])
			return nil
		},
	}
}

func persistentApp(ctx context.Context, params *commandParams, out io.Writer) (*app, error) {
	a, err := newApp(ctx, params, out)
	if err != nil {
		return nil, err
	}
	if a.db == nil {
		return nil, errors.New("this command needs a database: set dsn in the config file, --dsn, or " +
			"the DATABASE_URL environment variable")
	}
	return a, nil
}

func parsePayload(args []string) (map[string]string, error) {
	payload := make(map[string]string)
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" || k == harness.StateParam {
			return nil, fmt.Errorf("invalid callback parameter %q, expected key=value", arg)
		}
		payload[k] = v
	}
	return payload, nil
}

func newMigrateCommand(params *commandParams, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the database schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DSN == "" {
				return errors.New("no database configured")
			}
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			switch action {
			case "up":
				err = store.Migrate(cfg.DSN)
			case "down":
				err = store.MigrateDown(cfg.DSN)
			case "version":
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
			if err != nil {
				return err
			}
			version, dirty, err := store.SchemaVersion(cfg.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Schema version %d", version)
			if dirty {
				fmt.Fprint(out, " (dirty)")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}
