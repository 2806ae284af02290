package framework

import (
	"fmt"
	"io"
	"strings"

	"github.com/openhealth/conformance-harness/framework/outcome"
)

// Results collects the outcome of every check executed during a command, across sequences.
type Results struct {
	Tests    []TestResult
	Failures []TestResult
}

type TestResult struct {
	TestID   TestID
	Outcome  outcome.Kind
	Required bool
	Message  string
}

// Add records one check result. Required checks that failed or errored are also Failures.
func (r *Results) Add(result TestResult) {
	r.Tests = append(r.Tests, result)
	if result.Required && (result.Outcome == outcome.Fail || result.Outcome == outcome.Error) {
		r.Failures = append(r.Failures, result)
	}
}

func (r Results) OK() bool {
	return len(r.Failures) == 0
}

// Tally folds every recorded result.
func (r Results) Tally() outcome.Tally {
	var t outcome.Tally
	for _, test := range r.Tests {
		t.Add(test.Outcome, test.Required)
	}
	return t
}

// TestID identifies a check as its sequence name followed by the check ID.
type TestID struct {
	Path []string
}

func (t TestID) String() string {
	return strings.Join(t.Path, "/")
}

// PrintResults writes a summary of r, listing every required failure.
func PrintResults(w io.Writer, r Results) {
	t := r.Tally()
	fmt.Fprintf(w, "%d checks: %d passed, %d required failed, %d errors, %d skipped, %d omitted\n",
		t.Total(), t.RequiredPassed+t.OptionalPassed, t.RequiredFailed, t.Errored, t.Skipped, t.RequiredOmitted+t.OptionalOmitted)
	if len(r.Failures) == 0 {
		fmt.Fprintln(w, "All required checks passed")
		return
	}
	fmt.Fprintln(w, "Failed checks:")
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s (%s)\n", f.TestID, f.Outcome)
	}
}
