package outcome

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func required(kinds ...Kind) []Entry {
	ret := make([]Entry, 0, len(kinds))
	for _, k := range kinds {
		ret = append(ret, Entry{Kind: k, Required: true})
	}
	return ret
}

func TestVerdictOfRequiredStreams(t *testing.T) {
	for _, p := range []struct {
		kinds    []Kind
		expected Kind
	}{
		{nil, Pass},
		{[]Kind{Pass}, Pass},
		{[]Kind{Pass, Fail, Error}, Error},
		{[]Kind{Pass, Skip}, Skip},
		{[]Kind{Skip, Pass}, Skip},
		{[]Kind{Fail, Pass}, Fail},
		{[]Kind{Error, Fail}, Error},
		{[]Kind{Error, Skip}, Error},
		{[]Kind{Fail, Skip}, Fail},
		{[]Kind{Error, Error}, Error},
		{[]Kind{Pass, Wait}, Wait},
		{[]Kind{Error, Wait}, Wait},
		{[]Kind{Wait, Pass}, Pass},
		{[]Kind{Wait, Skip}, Wait},
		{[]Kind{Omit, Todo}, Pass},
		{[]Kind{Fail, Omit}, Fail},
		{[]Kind{Pass, Cancel}, Cancel},
	} {
		t.Run(fmt.Sprintf("%v", p.kinds), func(t *testing.T) {
			assert.Equal(t, p.expected, Fold(required(p.kinds...)).Verdict())
		})
	}
}

func TestOptionalFailuresDoNotAffectVerdict(t *testing.T) {
	tally := Fold([]Entry{
		{Kind: Pass, Required: true},
		{Kind: Fail, Required: false},
		{Kind: Error, Required: false},
		{Kind: Skip, Required: false},
	})
	assert.Equal(t, Pass, tally.Verdict())
	assert.Equal(t, 0, tally.Errored)
	assert.Equal(t, 0, tally.Skipped)
	assert.Equal(t, 1, tally.RequiredTotal)
	assert.Equal(t, 3, tally.OptionalTotal)
}

func TestCounters(t *testing.T) {
	entries := []Entry{
		{Kind: Pass, Required: true},
		{Kind: Pass, Required: false},
		{Kind: Omit, Required: true},
		{Kind: Omit, Required: false},
		{Kind: Todo, Required: false},
		{Kind: Fail, Required: true},
		{Kind: Error, Required: true},
		{Kind: Skip, Required: true},
	}
	tally := Fold(entries)
	assert.Equal(t, len(entries), tally.Total())
	assert.Equal(t, 6, tally.RequiredTotal)
	assert.Equal(t, 2, tally.OptionalTotal)
	assert.Equal(t, 1, tally.RequiredPassed)
	assert.Equal(t, 1, tally.OptionalPassed)
	assert.Equal(t, 1, tally.RequiredOmitted)
	assert.Equal(t, 1, tally.OptionalOmitted)
	assert.Equal(t, 1, tally.Todo)
	assert.Equal(t, 1, tally.RequiredFailed)
	assert.Equal(t, 1, tally.Errored)
	assert.Equal(t, 1, tally.Skipped)
	assert.Equal(t, Error, tally.Verdict())
}

func TestFoldIsRepeatable(t *testing.T) {
	entries := required(Pass, Skip, Fail, Omit, Wait, Pass)
	assert.Equal(t, Fold(entries), Fold(entries))
}

func TestEveryEntryIncrementsExactlyOneTotal(t *testing.T) {
	var entries []Entry
	for _, k := range AllKinds {
		entries = append(entries, Entry{Kind: k, Required: true}, Entry{Kind: k, Required: false})
	}
	assert.Equal(t, len(entries), Fold(entries).Total())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Pass, Classify(nil))
	assert.Equal(t, Fail, Classify(&AssertionFailure{Message: "x"}))
	assert.Equal(t, Skip, Classify(&PreconditionNotMet{Reason: "x"}))
	assert.Equal(t, Skip, Classify(&ExternalTimeout{Operation: "export", Waited: time.Minute}))
	assert.Equal(t, Fail, Classify(ServerViolation("bad status %d", 500)))
	assert.Equal(t, Error, Classify(ClientFault("could not build request", errors.New("bad url"))))
	assert.Equal(t, Error, Classify(errors.New("boom")))
	assert.Equal(t, Error, Classify(&UnexpectedFailure{Err: errors.New("boom")}))
	assert.Equal(t, Cancel, Classify(fmt.Errorf("polling: %w", context.Canceled)))
	assert.Equal(t, Fail, Classify(fmt.Errorf("kick-off: %w", ServerViolation("no Content-Location"))))
}

func TestExternalTimeoutMessage(t *testing.T) {
	err := &ExternalTimeout{Operation: "bulk export", Waited: 3 * time.Minute}
	assert.Equal(t, "bulk export did not complete after 3m0s", err.Error())
}
