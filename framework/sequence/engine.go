package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/session"
	"github.com/openhealth/conformance-harness/framework/suspend"
)

var (
	ErrUnknownSequence = errors.New("unknown sequence")
	ErrMissingInputs   = errors.New("required inputs are missing")
	ErrRunFinished     = errors.New("sequence run has already finished")
)

// MissingInputsError is returned when a sequence is started before its required session keys
// exist. It is a caller error; no run is created.
type MissingInputsError struct {
	Sequence string
	Keys     []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("sequence %q cannot start: missing %s", e.Sequence, strings.Join(e.Keys, ", "))
}

func (e *MissingInputsError) Is(target error) bool { return target == ErrMissingInputs }

// ConflictPolicy decides what happens when a sequence is started in a session that already has a
// run waiting for a callback.
type ConflictPolicy string

const (
	// CancelWaiting cancels the waiting run and starts the new one.
	CancelWaiting ConflictPolicy = "cancel"

	// QueueBehind queues the new run; it starts once the waiting run finishes or is cancelled.
	QueueBehind ConflictPolicy = "queue"
)

// CheckFilter decides whether a check is part of the run. Excluded checks are not executed and
// leave no result.
type CheckFilter func(sequence string, check runner.Check) bool

// Config holds the collaborators of an Engine. Registry is required; everything else has an
// in-memory or no-op default.
type Config struct {
	Registry    *Registry
	Sessions    session.Store
	Runs        RunStore
	Coordinator *suspend.Coordinator
	Logger      RunLogger
	DebugLogger framework.Logger
	Policy      ConflictPolicy
	Filter      CheckFilter
	Now         func() time.Time
}

// Engine executes sequences and drives their suspension and resumption. One session is served by a
// single logical thread of control: calls for the same session are serialized, while different
// sessions proceed independently.
type Engine struct {
	cfg          Config
	sessionLocks map[string]*sync.Mutex
	active       map[string]*activeRun
	queues       map[string][]string
	live         map[string]*session.Context
	lock         sync.Mutex
}

type activeRun struct {
	snapshot  Run
	cancel    context.CancelFunc
	cancelled bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine requires a sequence registry")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewMemoryStore()
	}
	if cfg.Runs == nil {
		cfg.Runs = NewMemoryRunStore()
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = suspend.NewCoordinator(nil, nil, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = nullRunLogger{}
	}
	if cfg.DebugLogger == nil {
		cfg.DebugLogger = framework.NullLogger()
	}
	if cfg.Policy == "" {
		cfg.Policy = CancelWaiting
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:          cfg,
		sessionLocks: make(map[string]*sync.Mutex),
		active:       make(map[string]*activeRun),
		queues:       make(map[string][]string),
		live:         make(map[string]*session.Context),
	}, nil
}

func (e *Engine) Registry() *Registry { return e.cfg.Registry }

func (e *Engine) lockSession(id string) func() {
	e.lock.Lock()
	l, ok := e.sessionLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.sessionLocks[id] = l
	}
	e.lock.Unlock()
	l.Lock()
	return l.Unlock
}

// StartSequence runs the named sequence against sess until it finishes or waits for a callback.
// It returns a MissingInputsError without creating a run if a required key is absent.
func (e *Engine) StartSequence(ctx context.Context, name string, sess *session.Context) (Run, error) {
	seq, ok := e.cfg.Registry.Get(name)
	if !ok {
		return Run{}, fmt.Errorf("%w: %q", ErrUnknownSequence, name)
	}
	if missing := sess.Missing(seq.Requires); len(missing) > 0 {
		return Run{}, &MissingInputsError{Sequence: name, Keys: missing}
	}

	unlock := e.lockSession(sess.ID())
	defer unlock()

	e.lock.Lock()
	e.live[sess.ID()] = sess
	e.lock.Unlock()

	run := e.newRun(seq, sess)

	waiting, found, expired, err := e.cfg.Coordinator.Waiting(ctx, sess.ID())
	if err != nil {
		return Run{}, err
	}
	if found {
		if expired || e.cfg.Policy == CancelWaiting {
			e.cfg.DebugLogger.Printf("Cancelling run %s of %q, which was waiting for a callback", waiting.RunID, waiting.Sequence)
			if _, err := e.cancelWaiting(ctx, waiting.RunID); err != nil {
				return Run{}, err
			}
		} else {
			run.Status = StatusQueued
			if err := e.cfg.Runs.SaveRun(ctx, run); err != nil {
				return Run{}, err
			}
			e.lock.Lock()
			e.queues[sess.ID()] = append(e.queues[sess.ID()], run.ID)
			e.lock.Unlock()
			return run.Copy(), nil
		}
	}

	run, err = e.execute(ctx, seq, run, sess, 0)
	if err != nil {
		return run, err
	}
	if run.Finished() {
		if err := e.drainQueue(ctx, sess); err != nil {
			return run, err
		}
	}
	return run, nil
}

// ResumeSequence continues the run that is waiting for the callback identified by token. The
// payload is merged into the session before the next check executes. The suspension is claimed
// only after the run and its session have been loaded, so any error returned before execution
// resumes, such as suspend.ErrUnknownResumption or a store failure, means no run was modified and
// the token is still usable.
func (e *Engine) ResumeSequence(ctx context.Context, token string, payload map[string]string) (Run, error) {
	sessionID, runID, err := e.cfg.Coordinator.Lookup(token)
	if err != nil {
		return Run{}, err
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	run, err := e.cfg.Runs.LoadRun(ctx, runID)
	if err != nil {
		return Run{}, fmt.Errorf("loading run %s: %w", runID, err)
	}
	seq, ok := e.cfg.Registry.Get(run.Sequence)
	if !ok {
		return Run{}, fmt.Errorf("%w: %q", ErrUnknownSequence, run.Sequence)
	}
	sess, err := e.session(ctx, sessionID)
	if err != nil {
		return Run{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	rec, err := e.cfg.Coordinator.Resume(ctx, token)
	if err != nil {
		return Run{}, err
	}
	sess.Merge(payload)

	if err := run.resolveWait(outcome.Pass, fmt.Sprintf("callback received at %q", rec.Endpoint)); err != nil {
		return Run{}, err
	}
	run, err = e.execute(ctx, seq, run, sess, rec.ResumeIndex)
	if err != nil {
		return run, err
	}
	if run.Finished() {
		if err := e.drainQueue(ctx, sess); err != nil {
			return run, err
		}
	}
	return run, nil
}

// CancelSequence aborts a run. A running run stops before its next check, and a blocking check is
// interrupted through its context; whatever that check returns is recorded as Cancel. A waiting run loses its suspension, so its token can no longer
// resume it. A queued run never starts.
func (e *Engine) CancelSequence(ctx context.Context, runID string) error {
	e.lock.Lock()
	if a, ok := e.active[runID]; ok {
		a.cancelled = true
		a.cancel()
		e.lock.Unlock()
		return nil
	}
	e.lock.Unlock()

	run, err := e.cfg.Runs.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	unlock := e.lockSession(run.SessionID)
	defer unlock()

	switch run.Status {
	case StatusWaiting:
		if _, err := e.cancelWaiting(ctx, runID); err != nil {
			return err
		}
	case StatusQueued:
		if err := e.cancelQueued(ctx, run); err != nil {
			return err
		}
	default:
		return ErrRunFinished
	}

	sess, err := e.session(ctx, run.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	return e.drainQueue(ctx, sess)
}

// Run returns a snapshot of a run, including one that is executing right now.
func (e *Engine) Run(ctx context.Context, runID string) (Run, error) {
	e.lock.Lock()
	if a, ok := e.active[runID]; ok {
		ret := a.snapshot.Copy()
		e.lock.Unlock()
		return ret, nil
	}
	e.lock.Unlock()
	return e.cfg.Runs.LoadRun(ctx, runID)
}

// session returns the context a caller of StartSequence is still holding, so that values written
// after a resume are visible to it, or else loads the session from the store.
func (e *Engine) session(ctx context.Context, id string) (*session.Context, error) {
	e.lock.Lock()
	sess, ok := e.live[id]
	e.lock.Unlock()
	if ok {
		return sess, nil
	}
	sess, err := e.cfg.Sessions.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	e.live[id] = sess
	e.lock.Unlock()
	return sess, nil
}

func (e *Engine) newRun(seq Sequence, sess *session.Context) Run {
	return Run{
		ID:        uuid.NewString(),
		SessionID: sess.ID(),
		Sequence:  seq.Name,
		Status:    StatusRunning,
		Verdict:   outcome.Pass,
		Required:  sess.Pick(seq.Requires),
		StartedAt: e.cfg.Now(),
	}
}

func (e *Engine) applicable(seq Sequence, run Run, sess *session.Context, from int, notify bool) []runner.Check {
	version := sess.Value(session.KeyFHIRVersion)
	var ret []runner.Check
	for _, c := range seq.Checks {
		if c.Index < from {
			continue
		}
		var reason string
		switch {
		case !c.AppliesTo(version):
			reason = fmt.Sprintf("not applicable to FHIR version %s", version)
		case e.cfg.Filter != nil && !e.cfg.Filter(seq.Name, c):
			reason = "excluded by filter parameters"
		}
		if reason != "" {
			if notify {
				e.cfg.Logger.CheckExcluded(run.Copy(), c, reason)
			}
			continue
		}
		ret = append(ret, c)
	}
	return ret
}

// execute runs checks of seq starting at index from. The caller holds the session lock.
func (e *Engine) execute(ctx context.Context, seq Sequence, run Run, sess *session.Context, from int) (Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &activeRun{cancel: cancel}
	run.Status = StatusRunning
	e.lock.Lock()
	a.snapshot = run.Copy()
	e.active[run.ID] = a
	e.lock.Unlock()
	defer func() {
		e.lock.Lock()
		delete(e.active, run.ID)
		e.lock.Unlock()
	}()

	if err := e.cfg.Runs.SaveRun(ctx, run); err != nil {
		return run, err
	}
	if from == 0 {
		e.cfg.Logger.SequenceStarted(run.Copy())
	}

	opts := runner.Options{
		NewToken: e.cfg.Coordinator.TokenSource(sess.ID(), run.ID),
		Logger:   framework.LoggerWithPrefix(e.cfg.DebugLogger, fmt.Sprintf("[%s] ", seq.Name)),
		Now:      e.cfg.Now,
	}

	for _, c := range e.applicable(seq, run, sess, from, true) {
		if e.isCancelled(a) {
			res := runner.CheckResult{
				CheckID:   c.ID,
				Name:      c.Name,
				Outcome:   outcome.Cancel,
				Message:   "run was cancelled by the operator",
				Required:  c.Required,
				Index:     c.Index,
				CreatedAt: e.cfg.Now(),
			}
			if err := run.append(res); err != nil {
				return run, err
			}
			e.cfg.Logger.CheckFinished(run.Copy(), res)
			break
		}

		res := runner.Execute(runCtx, c, sess, opts)
		if e.isCancelled(a) && res.Outcome != outcome.Cancel {
			// the check finished after the cancel arrived, whatever it returned
			res.Message = strings.TrimSpace(fmt.Sprintf("run was cancelled by the operator while this check ran (it ended with %s) %s",
				res.Outcome, res.Message))
			res.Outcome = outcome.Cancel
		}
		if err := run.append(res); err != nil {
			return run, err
		}
		e.publish(a, run)
		e.cfg.Logger.CheckFinished(run.Copy(), res)

		switch res.Outcome {
		case outcome.Wait:
			return e.suspend(ctx, seq, run, sess, res)
		case outcome.Cancel:
			return e.finish(ctx, seq, run, sess, StatusCancelled)
		}
		if err := e.cfg.Runs.SaveRun(ctx, run); err != nil {
			return run, err
		}
	}

	if n := len(run.Results); n > 0 && run.Results[n-1].Outcome == outcome.Cancel {
		return e.finish(ctx, seq, run, sess, StatusCancelled)
	}
	return e.finish(ctx, seq, run, sess, StatusDone)
}

func (e *Engine) isCancelled(a *activeRun) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return a.cancelled
}

func (e *Engine) publish(a *activeRun, run Run) {
	e.lock.Lock()
	a.snapshot = run.Copy()
	e.lock.Unlock()
}

func (e *Engine) suspend(ctx context.Context, seq Sequence, run Run, sess *session.Context, res runner.CheckResult) (Run, error) {
	_, err := e.cfg.Coordinator.Suspend(ctx, res.Token, suspend.Record{
		SessionID:   sess.ID(),
		RunID:       run.ID,
		Sequence:    seq.Name,
		ResumeIndex: res.Index + 1,
		Endpoint:    res.WaitEndpoint,
		RedirectURL: res.RedirectURL,
	})
	if err != nil {
		if rerr := run.resolveWait(outcome.Error, fmt.Sprintf("could not suspend the run: %s", err)); rerr != nil {
			return run, rerr
		}
		return e.finish(ctx, seq, run, sess, StatusDone)
	}
	run.Status = StatusWaiting
	if err := e.save(ctx, run, sess); err != nil {
		return run, err
	}
	e.cfg.Logger.SequenceWaiting(run.Copy(), res)
	return run.Copy(), nil
}

func (e *Engine) finish(ctx context.Context, seq Sequence, run Run, sess *session.Context, status Status) (Run, error) {
	now := e.cfg.Now()
	run.Status = status
	run.FinishedAt = &now
	if status == StatusDone {
		run.Produced = sess.Pick(seq.Defines)
	}
	if err := e.save(ctx, run, sess); err != nil {
		return run, err
	}
	e.cfg.Logger.SequenceFinished(run.Copy())
	return run.Copy(), nil
}

func (e *Engine) save(ctx context.Context, run Run, sess *session.Context) error {
	if err := e.cfg.Runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	if err := e.cfg.Sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID(), err)
	}
	return nil
}

// cancelWaiting removes the suspension of a waiting run and records the cancellation on its
// pending Wait result. The caller holds the session lock.
func (e *Engine) cancelWaiting(ctx context.Context, runID string) (Run, error) {
	if _, err := e.cfg.Coordinator.Cancel(ctx, runID); err != nil {
		return Run{}, fmt.Errorf("cancelling run %s: %w", runID, err)
	}
	run, err := e.cfg.Runs.LoadRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if err := run.resolveWait(outcome.Cancel, "run was cancelled while waiting for a callback"); err != nil {
		return Run{}, err
	}
	now := e.cfg.Now()
	run.Status = StatusCancelled
	run.FinishedAt = &now
	if err := e.cfg.Runs.SaveRun(ctx, run); err != nil {
		return Run{}, err
	}
	e.cfg.Logger.SequenceFinished(run.Copy())
	return run, nil
}

func (e *Engine) cancelQueued(ctx context.Context, run Run) error {
	e.lock.Lock()
	queue := e.queues[run.SessionID]
	for i, id := range queue {
		if id == run.ID {
			e.queues[run.SessionID] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	e.lock.Unlock()

	res := runner.CheckResult{
		Outcome:   outcome.Cancel,
		Message:   "run was cancelled before it started",
		CreatedAt: e.cfg.Now(),
	}
	if seq, ok := e.cfg.Registry.Get(run.Sequence); ok && len(seq.Checks) > 0 {
		res.CheckID = seq.Checks[0].ID
		res.Name = seq.Checks[0].Name
		res.Required = seq.Checks[0].Required
	}
	if err := run.append(res); err != nil {
		return err
	}
	now := e.cfg.Now()
	run.Status = StatusCancelled
	run.FinishedAt = &now
	if err := e.cfg.Runs.SaveRun(ctx, run); err != nil {
		return err
	}
	e.cfg.Logger.SequenceFinished(run.Copy())
	return nil
}

// drainQueue starts queued runs of the session in order until one of them waits. The caller holds
// the session lock.
func (e *Engine) drainQueue(ctx context.Context, sess *session.Context) error {
	for {
		e.lock.Lock()
		queue := e.queues[sess.ID()]
		if len(queue) == 0 {
			e.lock.Unlock()
			return nil
		}
		runID := queue[0]
		e.queues[sess.ID()] = queue[1:]
		e.lock.Unlock()

		run, err := e.cfg.Runs.LoadRun(ctx, runID)
		if err != nil {
			return err
		}
		seq, ok := e.cfg.Registry.Get(run.Sequence)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSequence, run.Sequence)
		}
		if missing := sess.Missing(seq.Requires); len(missing) > 0 {
			if err := e.cancelQueued(ctx, run); err != nil {
				return err
			}
			e.cfg.DebugLogger.Printf("Dropped queued run of %q: %s", seq.Name,
				(&MissingInputsError{Sequence: seq.Name, Keys: missing}).Error())
			continue
		}
		run.Required = sess.Pick(seq.Requires)
		run.StartedAt = e.cfg.Now()
		run, err = e.execute(ctx, seq, run, sess, 0)
		if err != nil {
			return err
		}
		if run.Status == StatusWaiting {
			return nil
		}
	}
}
