package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func execute(check Check, sess *session.Context) CheckResult {
	if sess == nil {
		sess = session.New("s", nil)
	}
	return Execute(context.Background(), check, sess, Options{
		NewToken: func() (string, error) { return "token-1", nil },
		Now:      func() time.Time { return fixedTime },
	})
}

func TestPassingCheck(t *testing.T) {
	r := execute(Check{ID: "ok", Required: true, Index: 3, Run: func(t *T) {
		assert.Equal(t, 1, 1)
	}}, nil)
	assert.Equal(t, outcome.Pass, r.Outcome)
	assert.Equal(t, "ok", r.CheckID)
	assert.True(t, r.Required)
	assert.Equal(t, 3, r.Index)
	assert.Equal(t, fixedTime, r.CreatedAt)
	assert.Empty(t, r.Message)
}

func TestAssertionFailureContinuesThenFails(t *testing.T) {
	reachedEnd := false
	r := execute(Check{ID: "a", Run: func(t *T) {
		assert.Equal(t, "x", "y", "first")
		assert.True(t, false, "second")
		reachedEnd = true
	}}, nil)
	assert.True(t, reachedEnd)
	assert.Equal(t, outcome.Fail, r.Outcome)
	assert.Len(t, r.Details, 2)
}

func TestRequireStopsCheck(t *testing.T) {
	reachedEnd := false
	r := execute(Check{ID: "a", Run: func(t *T) {
		require.NotNil(t, nil)
		reachedEnd = true
	}}, nil)
	assert.False(t, reachedEnd)
	assert.Equal(t, outcome.Fail, r.Outcome)
	assert.NotEmpty(t, r.Message)
}

func TestUnexpectedPanicIsError(t *testing.T) {
	r := execute(Check{ID: "a", Run: func(t *T) {
		var m map[string]int
		m["x"] = 1
	}}, nil)
	assert.Equal(t, outcome.Error, r.Outcome)
	assert.Contains(t, r.Message, "unexpected panic in check")
	assert.NotEmpty(t, r.DebugOutput)
}

func TestSkipOmitTodo(t *testing.T) {
	r := execute(Check{ID: "a", Run: func(t *T) { t.SkipWithReason("no patients") }}, nil)
	assert.Equal(t, outcome.Skip, r.Outcome)
	assert.Equal(t, "no patients", r.Message)

	r = execute(Check{ID: "a", Run: func(t *T) { t.Omit("not supported") }}, nil)
	assert.Equal(t, outcome.Omit, r.Outcome)

	r = execute(Check{ID: "a", Run: func(t *T) { t.Todo("later") }}, nil)
	assert.Equal(t, outcome.Todo, r.Outcome)

	r = execute(Check{ID: "a"}, nil)
	assert.Equal(t, outcome.Todo, r.Outcome)
}

func TestFailureBeforeSkipStaysFailure(t *testing.T) {
	r := execute(Check{ID: "a", Run: func(t *T) {
		t.Errorf("bad header")
		t.SkipWithReason("nothing else to check")
	}}, nil)
	assert.Equal(t, outcome.Fail, r.Outcome)
}

func TestRequireNoErrorClassifiesTaxonomy(t *testing.T) {
	for _, p := range []struct {
		err      error
		expected outcome.Kind
	}{
		{&outcome.AssertionFailure{Message: "x"}, outcome.Fail},
		{outcome.ServerViolation("status %d", 500), outcome.Fail},
		{outcome.ClientFault("bad request", errors.New("x")), outcome.Error},
		{&outcome.ExternalTimeout{Operation: "export"}, outcome.Skip},
		{&outcome.PreconditionNotMet{Reason: "x"}, outcome.Skip},
		{context.Canceled, outcome.Cancel},
		{errors.New("x"), outcome.Error},
	} {
		t.Run(string(p.expected)+" "+p.err.Error(), func(t *testing.T) {
			err := p.err
			r := execute(Check{ID: "a", Run: func(t *T) { t.RequireNoError(err, "doing it") }}, nil)
			assert.Equal(t, p.expected, r.Outcome)
		})
	}
}

func TestWaitForCallback(t *testing.T) {
	r := execute(Check{ID: "launch", Required: true, Run: func(t *T) {
		token := t.CorrelationToken()
		t.WaitForCallback("redirect", "https://auth/authorize?state="+token)
	}}, nil)
	assert.Equal(t, outcome.Wait, r.Outcome)
	assert.Equal(t, "token-1", r.Token)
	assert.Equal(t, "redirect", r.WaitEndpoint)
	assert.Equal(t, "https://auth/authorize?state=token-1", r.RedirectURL)
}

func TestWaitWithoutTokenSourceIsError(t *testing.T) {
	r := Execute(context.Background(), Check{ID: "a", Run: func(t *T) {
		t.WaitForCallback("redirect", "https://auth")
	}}, session.New("s", nil), Options{})
	assert.Equal(t, outcome.Error, r.Outcome)
}

func TestSessionAccessIsLimitedToDeclaredKeys(t *testing.T) {
	sess := session.New("s", map[string]string{"in": "1", "other": "2"})

	r := execute(Check{ID: "a", Reads: []string{"in"}, Writes: []string{"out"}, Run: func(t *T) {
		v, _ := t.Get("in")
		t.Set("out", v+"!")
	}}, sess)
	assert.Equal(t, outcome.Pass, r.Outcome)
	assert.Equal(t, "1!", sess.Value("out"))

	r = execute(Check{ID: "a", Run: func(t *T) { t.Get("other") }}, sess)
	assert.Equal(t, outcome.Error, r.Outcome)

	r = execute(Check{ID: "a", Reads: []string{"in"}, Run: func(t *T) { t.Set("in", "x") }}, sess)
	assert.Equal(t, outcome.Error, r.Outcome)
	assert.Equal(t, "1", sess.Value("in"))
}

func TestMissingInputSkips(t *testing.T) {
	r := execute(Check{ID: "a", Reads: []string{"absent"}, Run: func(t *T) { t.Input("absent") }}, nil)
	assert.Equal(t, outcome.Skip, r.Outcome)
}

func TestCancelledContextDoesNotRunCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	r := Execute(ctx, Check{ID: "a", Run: func(t *T) { ran = true }}, session.New("s", nil), Options{})
	assert.False(t, ran)
	assert.Equal(t, outcome.Cancel, r.Outcome)
}

func TestAppliesTo(t *testing.T) {
	c := Check{Versions: []string{"4.0.1"}}
	assert.True(t, c.AppliesTo("4.0.1"))
	assert.True(t, c.AppliesTo(""))
	assert.False(t, c.AppliesTo("3.0.2"))
	assert.True(t, Check{}.AppliesTo("3.0.2"))
}
