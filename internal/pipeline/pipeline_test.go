package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/events"
	"TaskPilot/internal/knowledge"
	"TaskPilot/internal/llm/llmtest"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T) *compress.Engine {
	t.Helper()
	table, err := budget.NewTable(16385, nil, 0)
	require.NoError(t, err)
	return compress.NewEngine(tokenizer.Heuristic(), table)
}

type stepSpec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

func planJSON(t *testing.T, title string, steps ...stepSpec) llmtest.Turn {
	t.Helper()
	if steps == nil {
		steps = []stepSpec{}
	}
	encoded, err := json.Marshal(map[string]any{"title": title, "has_enough_context": false, "steps": steps})
	require.NoError(t, err)
	return llmtest.Text(string(encoded))
}

func processing(title string) stepSpec {
	return stepSpec{Title: title, Description: "work on " + title, Kind: "PROCESSING"}
}

// scriptedHandler 依次返回预设结果，并记录收到的输入。
type scriptedHandler struct {
	outputs []string
	calls   atomic.Int32
	inputs  []StepInput
}

func (h *scriptedHandler) Execute(_ context.Context, in StepInput) (string, error) {
	n := int(h.calls.Add(1)) - 1
	h.inputs = append(h.inputs, in)
	in.Step.ExecutionResult = "handlers cannot write results"
	in.Step.RetryCount = 99
	if n >= len(h.outputs) {
		return h.outputs[len(h.outputs)-1], nil
	}
	return h.outputs[n], nil
}

func newPipeline(t *testing.T, client *llmtest.ScriptedClient, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(client, newEngine(t), tools.NewRegistry(time.Second), opts...)
	require.NoError(t, err)
	return p
}

func eventTypes(recorder *events.Recorder, id string) []events.Type {
	var out []events.Type
	for _, event := range recorder.Events(id) {
		out = append(out, event.Type)
	}
	return out
}

func TestRunExecutesStepsWithToolHandlers(t *testing.T) {
	provider := knowledge.NewStaticProvider([]knowledge.Record{
		{ID: "SPR-5", Title: "Sprint 5", Content: "12 open issues, 2 blocked", Keywords: []string{"sprint"}},
	}, 3)
	registry := tools.NewRegistry(time.Second, tools.NewProjectQuery(provider))
	client := llmtest.NewScripted(
		planJSON(t, "Sprint review",
			stepSpec{Title: "Load sprint", Description: "read sprint 5 records", Kind: "DOMAIN_QUERY"},
			processing("Summarize blockers")),
		llmtest.Call(tools.NameProjectQuery, map[string]string{"query": "sprint 5"}),
		llmtest.Text("Sprint 5 has 12 open issues, 2 blocked."),
		llmtest.Text("Two blockers need owners."),
	)
	p, err := New(client, newEngine(t), registry)
	require.NoError(t, err)

	recorder := events.NewRecorder(4)
	emitter := events.NewEmitter("req-1", recorder, nil)
	out, err := p.Run(context.Background(), Input{Query: "review sprint 5", Emitter: emitter})
	require.NoError(t, err)

	require.NotNil(t, out.Plan)
	assert.True(t, out.Plan.Complete())
	assert.False(t, out.Incomplete)
	assert.Equal(t, 2, out.Validations)
	assert.Equal(t, "Sprint 5 has 12 open issues, 2 blocked.", out.Plan.Steps[0].ExecutionResult)
	assert.Equal(t, "Two blockers need owners.", out.Plan.Steps[1].ExecutionResult)

	requests := client.Requests()
	require.Len(t, requests, 4)
	assert.True(t, requests[0].JSON, "planner asks for structured output")
	require.Len(t, requests[1].Tools, 1)
	assert.Equal(t, tools.NameProjectQuery, requests[1].Tools[0].Name)
	assert.Contains(t, requests[2].Messages[len(requests[2].Messages)-1].Content, "SPR-5")
	assert.Empty(t, requests[3].Tools, "processing steps run without tools")

	want := []events.Type{
		events.TypePlanCreated,
		events.TypeStepStarted, events.TypeStepCompleted,
		events.TypeStepStarted, events.TypeStepCompleted,
	}
	if diff := cmp.Diff(want, eventTypes(recorder, "req-1")); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
	last := recorder.Events("req-1")[4]
	assert.Equal(t, 1, last.StepIndex)
	assert.Equal(t, 2, last.TotalSteps)
}

func TestCompletePlanGoesStraightToSynthesis(t *testing.T) {
	client := llmtest.NewScripted()
	handler := &scriptedHandler{outputs: []string{"unused"}}
	p := newPipeline(t, client, WithHandler(KindProcessing, handler), WithConfig(Config{SemanticValidation: true}))

	plan := &Plan{Title: "done", Steps: []Step{
		{Title: "a", Kind: KindProcessing, ExecutionResult: "ra"},
		{Title: "b", Kind: KindProcessing, ExecutionResult: "rb"},
	}}
	out, err := p.Execute(context.Background(), Input{Query: "q"}, plan)
	require.NoError(t, err)
	assert.Zero(t, out.Validations)
	assert.Zero(t, client.Calls())
	assert.Zero(t, handler.calls.Load())
	assert.Same(t, plan, out.Plan)
}

func TestHasEnoughContextSkipsSteps(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text(`{"title":"answer from context","has_enough_context":true,"steps":[]}`))
	p := newPipeline(t, client)

	out, err := p.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.True(t, out.Plan.Complete())
	assert.Zero(t, out.Validations)
	assert.Equal(t, 1, client.Calls())
}

func TestInvalidPlansAreBoundedAndNeverDefaulted(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.Text(`{"title":"","steps":[]}`),
		llmtest.Text(`not json at all`),
		llmtest.Text(`{"title":"t","steps":[{"title":"x","kind":"DANCE"}]}`),
		llmtest.Text(`{"title":"never requested","steps":[{"title":"x","kind":"PROCESSING"}]}`),
	)
	p := newPipeline(t, client)

	recorder := events.NewRecorder(4)
	out, err := p.Run(context.Background(), Input{Query: "q", Emitter: events.NewEmitter("r", recorder, nil)})
	require.NoError(t, err)
	assert.Nil(t, out.Plan)
	assert.True(t, out.Incomplete)
	assert.Equal(t, 2, out.Replans)
	assert.Equal(t, 3, client.Calls())
	assert.Equal(t, []events.Type{events.TypeReplan, events.TypeReplan}, eventTypes(recorder, "r"))
}

func TestFailedStepReflectsAndReplans(t *testing.T) {
	client := llmtest.NewScripted(
		planJSON(t, "first", processing("A"), processing("B")),
		planJSON(t, "second", processing("C")),
	)
	handler := &scriptedHandler{outputs: []string{"result A", "error: source unavailable", "result C"}}
	p := newPipeline(t, client, WithHandler(KindProcessing, handler))

	out, err := p.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.False(t, out.Incomplete)
	assert.Equal(t, 1, out.Replans)
	assert.Equal(t, 3, out.Validations)
	require.Len(t, out.Reflections, 1)
	assert.Equal(t, "B", out.Reflections[0].StepTitle)
	assert.Contains(t, out.Reflections[0].FailureReason, "error report")

	plan := out.Plan
	assert.Equal(t, 1, plan.Revision)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "A", plan.Steps[0].Title)
	assert.Equal(t, "result A", plan.Steps[0].ExecutionResult)
	assert.Equal(t, "C", plan.Steps[1].Title)
	assert.Equal(t, "result C", plan.Steps[1].ExecutionResult)

	// 重规划后的第一个步骤会收到反思，之前的结果作为输入。
	require.Len(t, handler.inputs, 3)
	require.NotNil(t, handler.inputs[2].Feedback)
	assert.Equal(t, "B", handler.inputs[2].Feedback.StepTitle)
	require.Len(t, handler.inputs[2].Prior, 1)
	assert.Equal(t, "result A", handler.inputs[2].Prior[0].ExecutionResult)

	// 重规划请求携带已接受的结果与反思。
	replan := client.Requests()[1].Messages
	var sawAccepted, sawReflection bool
	for _, msg := range replan {
		sawAccepted = sawAccepted || strings.Contains(msg.Content, "result A")
		sawReflection = sawReflection || strings.Contains(msg.Content, "Suggested fix")
	}
	assert.True(t, sawAccepted)
	assert.True(t, sawReflection)
}

func TestReplanCapFlagsIncomplete(t *testing.T) {
	client := llmtest.NewScripted(
		planJSON(t, "p1", processing("A")),
		planJSON(t, "p2", processing("B")),
		planJSON(t, "p3", processing("C")),
	)
	handler := &scriptedHandler{outputs: []string{""}}
	p := newPipeline(t, client, WithHandler(KindProcessing, handler))

	out, err := p.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.True(t, out.Incomplete)
	assert.Contains(t, out.IncompleteReason, "replan limit 2")
	assert.Equal(t, 2, out.Replans)
	assert.Equal(t, 3, out.Validations)
	assert.Len(t, out.Reflections, 3)
	assert.Equal(t, 3, client.Calls())
	assert.Equal(t, 3, out.Plan.Steps[0].RetryCount, "failures at the same position accumulate across replans")
}

func TestSemanticValidation(t *testing.T) {
	client := llmtest.NewScripted(
		planJSON(t, "p1", processing("A")),
		llmtest.Text(`{"valid":false,"reason":"off topic","suggested_fix":"focus on A"}`),
		planJSON(t, "p2", processing("A2")),
		llmtest.Text(`{"valid":true,"reason":"ok"}`),
	)
	handler := &scriptedHandler{outputs: []string{"something unrelated", "a relevant answer"}}
	p := newPipeline(t, client, WithHandler(KindProcessing, handler), WithConfig(Config{SemanticValidation: true}))

	out, err := p.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Replans)
	require.Len(t, out.Reflections, 1)
	assert.Equal(t, "off topic", out.Reflections[0].FailureReason)
	assert.Equal(t, "focus on A", out.Reflections[0].SuggestedFix)
	assert.Equal(t, "a relevant answer", out.Plan.Steps[0].ExecutionResult)
	assert.Equal(t, 1, out.Plan.Steps[0].RetryCount)
}

func TestReplaceCarriesRetryCountToReplacement(t *testing.T) {
	plan := &Plan{Title: "t", Steps: []Step{
		{Title: "Fetch", Kind: KindProcessing, ExecutionResult: "rows"},
		{Title: "Join", Kind: KindProcessing, RetryCount: 2},
		{Title: "Report", Kind: KindProcessing},
	}}
	plan.Replace(&Plan{Title: "t2", Steps: []Step{
		{Title: "Join by id", Kind: KindProcessing, RetryCount: 7, ExecutionResult: "stale"},
		{Title: "Report", Kind: KindProcessing, RetryCount: 5},
	}})

	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "rows", plan.Steps[0].ExecutionResult)
	assert.Equal(t, 2, plan.Steps[1].RetryCount)
	assert.Empty(t, plan.Steps[1].ExecutionResult)
	assert.Zero(t, plan.Steps[2].RetryCount)
	assert.Equal(t, 1, plan.Revision)
	assert.Equal(t, "t2", plan.Title)
}

func TestValidatorIsTheOnlyWriter(t *testing.T) {
	v := &Validator{engine: newEngine(t), timeout: time.Second, logger: discardLogger()}
	plan := &Plan{Title: "t", Steps: []Step{{Title: "Fetch", Description: "fetch the numbers", Kind: KindProcessing}}}

	_, reflection, err := v.Review(context.Background(), plan, 0, "fetch the numbers.", nil)
	require.NoError(t, err)
	require.NotNil(t, reflection)
	assert.Equal(t, 1, plan.Steps[0].RetryCount)
	assert.Empty(t, plan.Steps[0].ExecutionResult)

	_, reflection, err = v.Review(context.Background(), plan, 0, "", xerrors.New(xerrors.CodeTimeout, "slow"))
	require.NoError(t, err)
	assert.Contains(t, reflection.SuggestedFix, "smaller steps")
	assert.Equal(t, 2, plan.Steps[0].RetryCount)

	verdict, reflection, err := v.Review(context.Background(), plan, 0, " 42 rows ", nil)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.Nil(t, reflection)
	assert.Equal(t, "42 rows", plan.Steps[0].ExecutionResult)
	assert.Equal(t, 2, plan.Steps[0].RetryCount)
}

func TestHandlersReceiveCopies(t *testing.T) {
	handler := &scriptedHandler{outputs: []string{"fine"}}
	p := newPipeline(t, llmtest.NewScripted(), WithHandler(KindProcessing, handler))

	plan := &Plan{Title: "t", Steps: []Step{{Title: "a", Kind: KindProcessing}}}
	out, err := p.Execute(context.Background(), Input{Query: "q"}, plan)
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Plan.Steps[0].ExecutionResult)
	assert.Zero(t, out.Plan.Steps[0].RetryCount)
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan("```json\n{\"title\":\"T\",\"steps\":[{\"title\":\"s\",\"description\":\"d\",\"kind\":\"domain-query\"}]}\n```", 8)
	require.NoError(t, err)
	assert.Equal(t, KindDomainQuery, plan.Steps[0].Kind)

	_, err = ParsePlan(`{"title":"T","steps":[{"title":"s","kind":"SING"}]}`, 8)
	assert.Equal(t, xerrors.CodePlanValidation, xerrors.CodeOf(err))

	_, err = ParsePlan(`{"title":"T","steps":[{"title":"a","kind":"PROCESSING"},{"title":"b","kind":"PROCESSING"}]}`, 1)
	assert.Equal(t, xerrors.CodePlanValidation, xerrors.CodeOf(err))

	_, err = ParsePlan(`{"title":"T","steps":[{"title":" ","kind":"PROCESSING"}]}`, 8)
	assert.Equal(t, "0", xerrors.MetadataOf(err, "step_index"))
}

func TestDispatcherMustCoverEveryKind(t *testing.T) {
	noop := HandlerFunc(func(context.Context, StepInput) (string, error) { return "", nil })
	_, err := NewDispatcher(map[StepKind]Handler{KindResearch: noop, KindProcessing: noop})
	require.Error(t, err)

	_, err = NewDispatcher(map[StepKind]Handler{KindResearch: noop, KindProcessing: noop, KindDomainQuery: noop, "EXTRA": noop})
	require.Error(t, err)

	_, err = NewDispatcher(map[StepKind]Handler{KindResearch: noop, KindProcessing: noop, KindDomainQuery: noop})
	require.NoError(t, err)
}

func TestCancellationStopsDispatch(t *testing.T) {
	blocking := HandlerFunc(func(ctx context.Context, _ StepInput) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := newPipeline(t, llmtest.NewScripted(), WithHandler(KindProcessing, blocking))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	plan := &Plan{Title: "t", Steps: []Step{{Title: "a", Kind: KindProcessing}}}
	out, err := p.Execute(ctx, Input{Query: "q"}, plan)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, out.Validations)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
