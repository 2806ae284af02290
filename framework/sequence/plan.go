package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/session"
)

// PlanState is the readiness of one sequence within a plan.
type PlanState string

const (
	PlanPending  PlanState = "pending"
	PlanBlocked  PlanState = "blocked"
	PlanWaiting  PlanState = "waiting"
	PlanFinished PlanState = "finished"
)

type PlanEntry struct {
	Sequence string       `json:"sequence"`
	State    PlanState    `json:"state"`
	RunID    string       `json:"runId,omitempty"`
	Verdict  outcome.Kind `json:"verdict,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Plan is an ordered list of sequences to run in one session. Order is a preference only: a
// sequence runs once every sequence in the plan that produces one of its inputs has finished
// successfully.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

func NewPlan(names ...string) Plan {
	p := Plan{}
	for _, n := range names {
		p.Entries = append(p.Entries, PlanEntry{Sequence: n, State: PlanPending})
	}
	return p
}

// Waiting returns the entry whose run is waiting for a callback, if any.
func (p Plan) Waiting() (PlanEntry, bool) {
	for _, e := range p.Entries {
		if e.State == PlanWaiting {
			return e, true
		}
	}
	return PlanEntry{}, false
}

// Done returns true if no entry can make further progress.
func (p Plan) Done() bool {
	for _, e := range p.Entries {
		if e.State == PlanPending || e.State == PlanWaiting {
			return false
		}
	}
	return true
}

func blocksDependents(verdict outcome.Kind) bool {
	return verdict == outcome.Error || verdict == outcome.Fail || verdict == outcome.Cancel
}

// readiness decides, for the entry at index i, whether it can run now, must keep waiting for its
// producers, or can never run. The reason is set only when blocked.
func readiness(p Plan, i int, reg *Registry) (ready bool, blocked bool, reason string) {
	seq, _ := reg.Get(p.Entries[i].Sequence)
	inPlan := make(map[string]int, len(p.Entries))
	for j, e := range p.Entries {
		inPlan[e.Sequence] = j
	}
	producers := reg.Producers()
	ready = true
	for _, key := range seq.Requires {
		for _, producer := range producers[key] {
			j, ok := inPlan[producer]
			if !ok || j == i {
				continue
			}
			dep := p.Entries[j]
			switch {
			case dep.State == PlanBlocked:
				return false, true, fmt.Sprintf("depends on %q, which could not run", producer)
			case dep.State == PlanFinished && blocksDependents(dep.Verdict):
				return false, true, fmt.Sprintf("depends on %q, which finished with %s", producer, dep.Verdict)
			case dep.State != PlanFinished:
				ready = false
			}
		}
	}
	return ready, false, ""
}

// RunPlan starts the sequences of a new plan in the session. It returns when every sequence has
// run or been blocked, or when one of them is waiting for a callback; in that case call
// AdvancePlan after the run has been resumed.
func (e *Engine) RunPlan(ctx context.Context, names []string, sess *session.Context) (Plan, error) {
	for _, n := range names {
		if _, ok := e.cfg.Registry.Get(n); !ok {
			return Plan{}, fmt.Errorf("%w: %q", ErrUnknownSequence, n)
		}
	}
	return e.AdvancePlan(ctx, NewPlan(names...), sess)
}

// AdvancePlan re-scans the plan until no entry can make progress, running every entry whose
// producers are finished.
func (e *Engine) AdvancePlan(ctx context.Context, plan Plan, sess *session.Context) (Plan, error) {
	plan = Plan{Entries: append([]PlanEntry(nil), plan.Entries...)}

	for i, entry := range plan.Entries {
		if entry.State != PlanWaiting {
			continue
		}
		run, err := e.Run(ctx, entry.RunID)
		if err != nil {
			return plan, err
		}
		if !run.Finished() {
			return plan, nil
		}
		plan.Entries[i].State = PlanFinished
		plan.Entries[i].Verdict = run.Verdict
	}

	for progress := true; progress; {
		progress = false
		for i, entry := range plan.Entries {
			if entry.State != PlanPending {
				continue
			}
			ready, blocked, reason := readiness(plan, i, e.cfg.Registry)
			if blocked {
				plan.Entries[i].State = PlanBlocked
				plan.Entries[i].Reason = reason
				progress = true
				continue
			}
			if !ready {
				continue
			}
			progress = true
			run, err := e.StartSequence(ctx, entry.Sequence, sess)
			var missing *MissingInputsError
			if errors.As(err, &missing) {
				plan.Entries[i].State = PlanBlocked
				plan.Entries[i].Reason = "missing inputs: " + strings.Join(missing.Keys, ", ")
				continue
			}
			if err != nil {
				return plan, err
			}
			plan.Entries[i].RunID = run.ID
			plan.Entries[i].Verdict = run.Verdict
			if run.Finished() {
				plan.Entries[i].State = PlanFinished
				continue
			}
			plan.Entries[i].State = PlanWaiting
			return plan, nil
		}
	}

	for i, entry := range plan.Entries {
		if entry.State == PlanPending {
			plan.Entries[i].State = PlanBlocked
			plan.Entries[i].Reason = "its inputs are never produced"
		}
	}
	return plan, nil
}
