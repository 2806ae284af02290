package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/runner"
)

// Status is where a run is in its lifecycle. It is separate from the verdict: a Waiting run has a
// Wait verdict, but a Done run can have any terminal verdict.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Run is the runtime record of one execution of a sequence. Results are append-only and ordered
// by check index; Tally and Verdict are always the fold of Results.
type Run struct {
	ID         string               `json:"id"`
	SessionID  string               `json:"sessionId"`
	Sequence   string               `json:"sequence"`
	Status     Status               `json:"status"`
	Results    []runner.CheckResult `json:"results"`
	Tally      outcome.Tally        `json:"tally"`
	Verdict    outcome.Kind         `json:"verdict"`
	Required   map[string]string    `json:"required,omitempty"`
	Produced   map[string]string    `json:"produced,omitempty"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
}

// Finished returns true if the run will not execute any more checks.
func (r Run) Finished() bool {
	return r.Status == StatusDone || r.Status == StatusCancelled
}

// Copy returns a deep copy that shares no mutable state with r.
func (r Run) Copy() Run {
	ret := r
	ret.Results = append([]runner.CheckResult(nil), r.Results...)
	ret.Required = copyMap(r.Required)
	ret.Produced = copyMap(r.Produced)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		ret.FinishedAt = &t
	}
	return ret
}

func (r *Run) append(res runner.CheckResult) error {
	if n := len(r.Results); n > 0 && res.Index <= r.Results[n-1].Index {
		return fmt.Errorf("result for check %q (index %d) is out of order after index %d",
			res.CheckID, res.Index, r.Results[n-1].Index)
	}
	r.Results = append(r.Results, res)
	r.Tally.Add(res.Outcome, res.Required)
	r.Verdict = r.Tally.Verdict()
	return nil
}

// resolveWait settles the pending Wait result once its callback has arrived or the run has been
// cancelled, then recomputes the verdict from the results.
func (r *Run) resolveWait(kind outcome.Kind, message string) error {
	n := len(r.Results)
	if n == 0 || r.Results[n-1].Outcome != outcome.Wait {
		return errors.New("run has no pending Wait result")
	}
	r.Results[n-1].Outcome = kind
	r.Results[n-1].Message = message
	r.refold()
	return nil
}

func (r *Run) refold() {
	r.Tally = outcome.Fold(runner.Entries(r.Results))
	r.Verdict = r.Tally.Verdict()
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	ret := make(map[string]string, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}

// ErrRunNotFound is returned by a RunStore for an unknown run ID.
var ErrRunNotFound = errors.New("sequence run not found")

// RunStore persists runs so that a suspended run can be continued by a callback handled in a
// different request or process.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	LoadRun(ctx context.Context, id string) (Run, error)
}

type MemoryRunStore struct {
	runs map[string]Run
	lock sync.Mutex
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]Run)}
}

func (s *MemoryRunStore) SaveRun(ctx context.Context, run Run) error {
	s.lock.Lock()
	s.runs[run.ID] = run.Copy()
	s.lock.Unlock()
	return nil
}

func (s *MemoryRunStore) LoadRun(ctx context.Context, id string) (Run, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r.Copy(), nil
}
