package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/session"
)

// Options configures Execute.
type Options struct {
	// NewToken mints a correlation token for a check that is about to wait for a callback. It is
	// required only for checks that call T.CorrelationToken or T.WaitForCallback.
	NewToken func() (string, error)

	// Logger, if set, also receives every debug message the check writes.
	Logger framework.Logger

	// Now is used for result timestamps; defaults to time.Now.
	Now func() time.Time
}

// T is passed to every check. It is used similarly to *testing.T: it implements require.TestingT,
// so checks can use the standard assert and require packages.
//
// A check ends early by panicking with its own T, which Execute recovers from. Any other panic is
// recorded as an Error outcome.
type T struct {
	ctx         context.Context
	check       *Check
	session     *session.Context
	opts        Options
	debugLogger framework.CapturingLogger
	errors      []error
	failed      bool
	stopped     outcome.Kind
	reason      string
	wait        *waitRequest
	token       string
}

type waitRequest struct {
	endpoint    string
	redirectURL string
}

// Execute runs one check and returns exactly one result. It never panics and never returns an
// error: every failure inside the check is converted to an outcome.
func Execute(ctx context.Context, check Check, sess *session.Context, opts Options) CheckResult {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &T{
		ctx:     ctx,
		check:   &check,
		session: sess,
		opts:    opts,
	}
	if err := ctx.Err(); err != nil {
		t.stopped = outcome.Cancel
		t.reason = "run was cancelled before the check started"
		return t.result()
	}
	if check.Run == nil {
		t.stopped = outcome.Todo
		t.reason = "check is not implemented"
		return t.result()
	}
	t.run(check.Run)
	return t.result()
}

func (t *T) run(action func(*T)) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if rt, ok := r.(*T); ok && rt == t {
			if t.stopped == "" && !t.failed {
				t.addError(errors.New("check failed with no failure message"))
				t.failed = true
			}
			return
		}
		t.Debug("%s", string(debug.Stack()))
		t.stopped = outcome.Error
		t.addError(fmt.Errorf("unexpected panic in check: %+v", r))
	}()

	action(t)
}

func (t *T) result() CheckResult {
	kind := outcome.Pass
	switch {
	case t.stopped == outcome.Error || t.stopped == outcome.Cancel:
		kind = t.stopped
	case t.failed:
		kind = outcome.Fail
	case t.stopped != "":
		kind = t.stopped
	}

	r := CheckResult{
		CheckID:     t.check.ID,
		Name:        t.check.Name,
		Outcome:     kind,
		Required:    t.check.Required,
		Index:       t.check.Index,
		CreatedAt:   t.opts.Now(),
		DebugOutput: t.debugLogger.Output(),
	}
	for _, err := range t.errors {
		r.Details = append(r.Details, err.Error())
	}
	switch kind {
	case outcome.Fail, outcome.Error:
		r.Message = strings.Join(r.Details, "; ")
	case outcome.Wait:
		r.Message = t.reason
		r.RedirectURL = t.wait.redirectURL
		r.WaitEndpoint = t.wait.endpoint
		r.Token = t.token
	default:
		r.Message = t.reason
	}
	return r
}

func (t *T) addError(err error) {
	t.errors = append(t.errors, err)
	t.opts.logf("[%s] %s", t.check.ID, err)
}

func (o Options) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// ID returns the identifier of the check being executed.
func (t *T) ID() string { return t.check.ID }

// Context returns the context for blocking operations. It is cancelled if the run is cancelled.
func (t *T) Context() context.Context { return t.ctx }

// Errorf is called by assertions to record a failure. It does not stop the check.
func (t *T) Errorf(format string, args ...interface{}) {
	t.failed = true
	t.addError(fmt.Errorf(format, args...))
}

// FailNow stops the check. The methods in the require package call it after Errorf.
func (t *T) FailNow() {
	panic(t)
}

// Fail records an assertion failure and stops the check.
func (t *T) Fail(format string, args ...interface{}) {
	t.Errorf(format, args...)
	t.FailNow()
}

// Skip stops the check with a Skip outcome.
func (t *T) Skip() {
	t.SkipWithReason("")
}

// SkipWithReason stops the check with a Skip outcome and an explanation.
func (t *T) SkipWithReason(reason string) {
	t.stopWith(outcome.Skip, reason)
}

// Omit stops the check and excludes it from the pass/fail totals, e.g. for an optional feature the
// server does not claim to support.
func (t *T) Omit(reason string) {
	t.stopWith(outcome.Omit, reason)
}

// Todo stops the check with a Todo outcome; it is tracked but never affects the verdict.
func (t *T) Todo(reason string) {
	t.stopWith(outcome.Todo, reason)
}

func (t *T) stopWith(kind outcome.Kind, reason string) {
	t.stopped = kind
	t.reason = reason
	panic(t)
}

// Abort stops the check with an Error outcome.
func (t *T) Abort(err error) {
	t.stopped = outcome.Error
	t.addError(err)
	panic(t)
}

// RequireNoError converts an error from the outcome taxonomy into the matching outcome and stops
// the check. It returns normally if err is nil.
func (t *T) RequireNoError(err error, prefix ...string) {
	if err == nil {
		return
	}
	if len(prefix) > 0 {
		err = fmt.Errorf("%s: %w", strings.Join(prefix, " "), err)
	}
	switch outcome.Classify(err) {
	case outcome.Fail:
		t.Fail("%s", err)
	case outcome.Skip:
		t.SkipWithReason(err.Error())
	case outcome.Cancel:
		t.stopped = outcome.Cancel
		t.addError(err)
		panic(t)
	default:
		t.Abort(err)
	}
}

// CorrelationToken returns the token that will identify this check's suspension. A check that
// redirects the operator embeds it in the redirect URL before calling WaitForCallback.
func (t *T) CorrelationToken() string {
	if t.token != "" {
		return t.token
	}
	if t.opts.NewToken == nil {
		t.Abort(errors.New("this run does not support suspension"))
	}
	token, err := t.opts.NewToken()
	if err != nil {
		t.Abort(fmt.Errorf("could not create correlation token: %w", err))
	}
	t.token = token
	return token
}

// WaitForCallback suspends the run until an external callback arrives at the given endpoint. The
// operator must be sent to redirectURL.
func (t *T) WaitForCallback(endpoint, redirectURL string) {
	t.CorrelationToken()
	t.wait = &waitRequest{endpoint: endpoint, redirectURL: redirectURL}
	t.stopWith(outcome.Wait, fmt.Sprintf("waiting for a callback at %q", endpoint))
}

// Get returns a session value. The key must be declared in the check's Reads or Writes.
func (t *T) Get(key string) (string, bool) {
	if !t.declared(key, true) {
		t.Abort(fmt.Errorf("check %q read undeclared session key %q", t.check.ID, key))
	}
	return t.session.Get(key)
}

// Input returns a declared session value, skipping the check if it is absent.
func (t *T) Input(key string) string {
	v, ok := t.Get(key)
	if !ok || v == "" {
		t.SkipWithReason(fmt.Sprintf("no value for %q in the session", key))
	}
	return v
}

// Set writes a session value. The key must be declared in the check's Writes.
func (t *T) Set(key, value string) {
	if !t.declared(key, false) {
		t.Abort(fmt.Errorf("check %q wrote undeclared session key %q", t.check.ID, key))
	}
	t.session.Set(key, value)
}

func (t *T) declared(key string, reading bool) bool {
	for _, k := range t.check.Writes {
		if k == key {
			return true
		}
	}
	if reading {
		for _, k := range t.check.Reads {
			if k == key {
				return true
			}
		}
	}
	return false
}

// Debug writes a message to the check's captured debug output.
func (t *T) Debug(message string, args ...interface{}) {
	t.debugLogger.Printf(message, args...)
	t.opts.logf("[%s] "+message, append([]interface{}{t.check.ID}, args...)...)
}

// DebugLogger returns a Logger that writes to the check's captured debug output.
func (t *T) DebugLogger() framework.Logger {
	return loggerFunc(t.Debug)
}

type loggerFunc func(string, ...interface{})

func (f loggerFunc) Printf(message string, args ...interface{}) { f(message, args...) }
