package sequence

import "github.com/openhealth/conformance-harness/framework/runner"

// RunLogger receives progress notifications from the engine. Every method gets a snapshot, so
// implementations may keep what they are given.
type RunLogger interface {
	SequenceStarted(run Run)
	CheckExcluded(run Run, check runner.Check, reason string)
	CheckFinished(run Run, result runner.CheckResult)
	SequenceWaiting(run Run, result runner.CheckResult)
	SequenceFinished(run Run)
}

type nullRunLogger struct{}

func (nullRunLogger) SequenceStarted(Run)                     {}
func (nullRunLogger) CheckExcluded(Run, runner.Check, string) {}
func (nullRunLogger) CheckFinished(Run, runner.CheckResult)   {}
func (nullRunLogger) SequenceWaiting(Run, runner.CheckResult) {}
func (nullRunLogger) SequenceFinished(Run)                    {}
