package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/sequence"
)

var (
	passColor    = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed, color.Bold)
	skipColor    = color.New(color.FgYellow)
	waitColor    = color.New(color.FgCyan, color.Bold)
	headingColor = color.New(color.Bold)
)

// ConsoleRunLogger prints sequence progress. Debug output captured by a check is shown for
// failures, successes, or both, depending on the flags.
type ConsoleRunLogger struct {
	Out                  io.Writer
	DebugOutputOnFailure bool
	DebugOutputOnSuccess bool
	ShowExcluded         bool
	Reproduce            func(sequence, checkID string) string
	lock                 sync.Mutex
}

func (c *ConsoleRunLogger) SequenceStarted(run sequence.Run) {
	c.lock.Lock()
	defer c.lock.Unlock()
	headingColor.Fprintf(c.Out, "[%s]", run.Sequence)
	fmt.Fprintf(c.Out, " run %s\n", run.ID)
}

func (c *ConsoleRunLogger) CheckExcluded(run sequence.Run, check runner.Check, reason string) {
	if !c.ShowExcluded {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	fmt.Fprintf(c.Out, "  EXCLUDED: %s (%s)\n", checkID(run, check.ID), reason)
}

func (c *ConsoleRunLogger) CheckFinished(run sequence.Run, result runner.CheckResult) {
	c.lock.Lock()
	defer c.lock.Unlock()

	id := checkID(run, result.CheckID)
	failed := false
	switch result.Outcome {
	case outcome.Pass:
		passColor.Fprintf(c.Out, "  PASS: %s\n", id)
	case outcome.Fail, outcome.Error:
		failed = result.Required
		label := strings.ToUpper(string(result.Outcome))
		if !result.Required {
			label += " (optional)"
		}
		failColor.Fprintf(c.Out, "  %s: %s\n", label, id)
		for _, line := range strings.Split(result.Message, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(c.Out, "    %s\n", line)
			}
		}
		if c.Reproduce != nil {
			fmt.Fprintf(c.Out, "    to repeat: %s\n", c.Reproduce(run.Sequence, result.CheckID))
		}
	case outcome.Skip, outcome.Omit, outcome.Todo:
		label := strings.ToUpper(string(result.Outcome))
		if result.Message == "" {
			skipColor.Fprintf(c.Out, "  %s: %s\n", label, id)
		} else {
			skipColor.Fprintf(c.Out, "  %s: %s (%s)\n", label, id, result.Message)
		}
	case outcome.Cancel:
		skipColor.Fprintf(c.Out, "  CANCELLED: %s\n", id)
	case outcome.Wait:
		return
	}

	if len(result.DebugOutput) > 0 &&
		((failed && c.DebugOutputOnFailure) || (!failed && c.DebugOutputOnSuccess)) {
		result.DebugOutput.Dump(c.Out, "    DEBUG ")
	}
}

func (c *ConsoleRunLogger) SequenceWaiting(run sequence.Run, result runner.CheckResult) {
	c.lock.Lock()
	defer c.lock.Unlock()
	waitColor.Fprintf(c.Out, "  WAITING: %s\n", checkID(run, result.CheckID))
	fmt.Fprintf(c.Out, "    Open this URL in a browser to continue:\n    %s\n", result.RedirectURL)
}

func (c *ConsoleRunLogger) SequenceFinished(run sequence.Run) {
	c.lock.Lock()
	defer c.lock.Unlock()
	verdictColor(run.Verdict).Fprintf(c.Out, "  %s: %s", strings.ToUpper(string(run.Verdict)), run.Sequence)
	fmt.Fprintf(c.Out, " (%d required passed of %d)\n", run.Tally.RequiredPassed, run.Tally.RequiredTotal)
}

func verdictColor(k outcome.Kind) *color.Color {
	switch k {
	case outcome.Pass:
		return passColor
	case outcome.Fail, outcome.Error:
		return failColor
	default:
		return skipColor
	}
}

func checkID(run sequence.Run, id string) string {
	return framework.TestID{Path: []string{run.Sequence, id}}.String()
}
