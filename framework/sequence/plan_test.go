package sequence

import (
	"context"
	"testing"

	"github.com/openhealth/conformance-harness/framework/outcome"
	"github.com/openhealth/conformance-harness/framework/runner"
	"github.com/openhealth/conformance-harness/framework/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func producer(name, key string, ok bool) Sequence {
	c := runner.Check{ID: "produce", Required: true, Writes: []string{key}, Run: func(t *runner.T) {
		t.Set(key, "value")
		if !ok {
			assert.Fail(t, "producer failed")
		}
	}}
	return Sequence{Name: name, Defines: []string{key}, Checks: []runner.Check{c}}
}

func consumer(name, key string) Sequence {
	return Sequence{Name: name, Requires: []string{key}, Checks: []runner.Check{
		{ID: "consume", Required: true, Reads: []string{key}, Run: func(t *runner.T) {
			assert.Equal(t, "value", t.Input(key))
		}},
	}}
}

func TestPlanRunsConsumerAfterProducerRegardlessOfOrder(t *testing.T) {
	e, _ := newTestEngine(t, "", consumer("consumer", "k"), producer("producer", "k", true))

	plan, err := e.RunPlan(context.Background(), []string{"consumer", "producer"}, session.New("sess", nil))
	require.NoError(t, err)
	assert.True(t, plan.Done())
	for _, entry := range plan.Entries {
		assert.Equal(t, PlanFinished, entry.State, entry.Sequence)
		assert.Equal(t, outcome.Pass, entry.Verdict, entry.Sequence)
	}
}

func TestPlanBlocksConsumerOfFailedProducer(t *testing.T) {
	e, _ := newTestEngine(t, "", producer("producer", "k", false), consumer("consumer", "k"),
		consumer("indirect", "k"))

	plan, err := e.RunPlan(context.Background(), []string{"producer", "consumer"}, session.New("sess", nil))
	require.NoError(t, err)
	assert.Equal(t, PlanFinished, plan.Entries[0].State)
	assert.Equal(t, outcome.Fail, plan.Entries[0].Verdict)
	assert.Equal(t, PlanBlocked, plan.Entries[1].State)
	assert.Contains(t, plan.Entries[1].Reason, "producer")
	assert.Empty(t, plan.Entries[1].RunID)
}

func TestPlanBlocksSequenceWithUnproducedInputs(t *testing.T) {
	e, _ := newTestEngine(t, "", consumer("consumer", "k"))

	plan, err := e.RunPlan(context.Background(), []string{"consumer"}, session.New("sess", nil))
	require.NoError(t, err)
	assert.Equal(t, PlanBlocked, plan.Entries[0].State)
	assert.Contains(t, plan.Entries[0].Reason, "k")
}

func TestPlanStopsAtWaitAndAdvancesAfterResume(t *testing.T) {
	waiting := Sequence{Name: "launch", Defines: []string{"k"}, Checks: []runner.Check{
		waitFor("redirect", "cb"),
		{ID: "store", Required: true, Writes: []string{"k"}, Run: func(t *runner.T) { t.Set("k", "value") }},
	}}
	e, _ := newTestEngine(t, "", waiting, consumer("consumer", "k"))
	sess := session.New("sess", nil)

	plan, err := e.RunPlan(context.Background(), []string{"launch", "consumer"}, sess)
	require.NoError(t, err)
	entry, ok := plan.Waiting()
	require.True(t, ok)
	assert.Equal(t, "launch", entry.Sequence)
	assert.Equal(t, PlanPending, plan.Entries[1].State)
	assert.False(t, plan.Done())

	run, err := e.Run(context.Background(), entry.RunID)
	require.NoError(t, err)
	_, err = e.ResumeSequence(context.Background(), run.Results[0].Token, nil)
	require.NoError(t, err)

	plan, err = e.AdvancePlan(context.Background(), plan, sess)
	require.NoError(t, err)
	assert.True(t, plan.Done())
	assert.Equal(t, PlanFinished, plan.Entries[1].State)
	assert.Equal(t, outcome.Pass, plan.Entries[1].Verdict)
}

func TestRunPlanRejectsUnknownSequence(t *testing.T) {
	e, _ := newTestEngine(t, "")
	_, err := e.RunPlan(context.Background(), []string{"missing"}, session.New("sess", nil))
	assert.ErrorIs(t, err, ErrUnknownSequence)
}
