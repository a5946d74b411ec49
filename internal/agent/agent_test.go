package agent

import (
	"context"
	"strings"
	"sync"
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
	"TaskPilot/internal/fastpath"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/llm/llmtest"
	"TaskPilot/internal/pipeline"
	"TaskPilot/internal/router"
	"TaskPilot/internal/synthesis"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingObserver struct {
	mu          sync.Mutex
	routes      []string
	escalations []string
	outcomes    []string
}

func (o *countingObserver) ObserveRoute(mode, source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, mode+"/"+source)
}

func (o *countingObserver) ObserveEscalation(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.escalations = append(o.escalations, reason)
}

func (o *countingObserver) ObserveReplans(int) {}

func (o *countingObserver) ObserveOutcome(code string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, code)
}

func newAgent(t *testing.T, window int, client llm.Client, opts ...Option) (*Agent, *events.Recorder) {
	t.Helper()
	table, err := budget.NewTable(window, nil, 0)
	require.NoError(t, err)
	engine := compress.NewEngine(tokenizer.Heuristic(), table)
	registry := tools.NewRegistry(time.Second)

	pipe, err := pipeline.New(client, engine, registry)
	require.NoError(t, err)
	recorder := events.NewRecorder(16)
	ag := New(
		router.New(client, engine),
		fastpath.New(client, engine, registry),
		pipe,
		synthesis.NewReporter(client, engine),
		append([]Option{WithEventSink(recorder)}, opts...)...,
	)
	return ag, recorder
}

func types(evts []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evts))
	for _, evt := range evts {
		out = append(out, evt.Type)
	}
	return out
}

func terminalCount(evts []events.Event) int {
	n := 0
	for _, evt := range evts {
		if evt.Type.Terminal() {
			n++
		}
	}
	return n
}

func TestFastPathAnswer(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text("Sprint 5 has 12 open issues."))
	observer := &countingObserver{}
	ag, recorder := newAgent(t, 16385, client, WithObserver(observer))

	result, err := ag.Execute(context.Background(), TaskRequest{ID: "req-fast", Query: "What is the status of sprint 5?"})
	require.NoError(t, err)
	assert.Equal(t, router.ModeFastPath, result.Mode)
	assert.Equal(t, router.SourceHeuristic, result.RouteSource)
	assert.Equal(t, "Sprint 5 has 12 open issues.", result.Answer)
	assert.Equal(t, 1, client.Calls())

	evts := recorder.Events("req-fast")
	assert.Equal(t, []events.Type{events.TypeRouteDecided, events.TypeFinalAnswer}, types(evts))
	assert.Equal(t, []string{"fast_path/heuristic"}, observer.routes)
	assert.Equal(t, []string{""}, observer.outcomes)
}

func TestEscalationRunsPipelineOnce(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.Text(fastpath.ExplicitMarker+" this needs data from several teams"),
		llmtest.Text(`{"title":"Sprint digest","steps":[{"title":"Compile","description":"compile sprint data","kind":"PROCESSING"}]}`),
		llmtest.Text("compiled sprint data"),
		llmtest.Text("Here is the digest."),
	)
	observer := &countingObserver{}
	ag, recorder := newAgent(t, 16385, client, WithObserver(observer))

	result, err := ag.Execute(context.Background(), TaskRequest{ID: "req-esc", Query: "What is the status of sprint 5?"})
	require.NoError(t, err)
	assert.Equal(t, router.ModeFullPipeline, result.Mode)
	assert.Equal(t, router.SourceEscalation, result.RouteSource)
	require.NotNil(t, result.Escalation)
	assert.Equal(t, fastpath.ReasonExplicitRequest, result.Escalation.Reason)
	assert.Equal(t, "Here is the digest.", result.Answer)
	assert.Equal(t, "compiled sprint data", result.Plan.Steps[0].ExecutionResult)
	assert.Equal(t, 4, client.Calls())

	want := []events.Type{
		events.TypeRouteDecided,
		events.TypeEscalation,
		events.TypeRouteDecided,
		events.TypePlanCreated,
		events.TypeStepStarted,
		events.TypeStepCompleted,
		events.TypeFinalAnswer,
	}
	if diff := cmp.Diff(want, types(recorder.Events("req-esc"))); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"fast_path/heuristic", "full_pipeline/escalation"}, observer.routes)
	assert.Equal(t, []string{"EXPLICIT_REQUEST"}, observer.escalations)

	planner := client.Requests()[1].Messages
	var sawPartial bool
	for _, msg := range planner {
		sawPartial = sawPartial || strings.Contains(msg.Content, "Partial answer before escalation")
	}
	assert.True(t, sawPartial, "planner sees the fast-path partial result")

	synth := client.Requests()[3].Messages
	assert.Contains(t, synth[1].Content, "compiled sprint data")
}

func TestSynthesisOverflowEmitsOneTerminalError(t *testing.T) {
	client := llmtest.NewScripted()
	observer := &countingObserver{}
	ag, recorder := newAgent(t, 2000, client, WithObserver(observer))

	query := strings.Repeat("word ", 1500)
	start := time.Now()
	_, err := ag.Execute(context.Background(), TaskRequest{ID: "req-big", Query: query})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, xerrors.CodeTokenBudgetExceeded, xerrors.CodeOf(err))
	assert.Zero(t, client.Calls())

	evts := recorder.Events("req-big")
	require.Equal(t, 1, terminalCount(evts))
	last := evts[len(evts)-1]
	assert.Equal(t, events.TypeTerminalError, last.Type)
	assert.Equal(t, "TOKEN_BUDGET_EXCEEDED", last.Payload["code"])
	assert.Equal(t, "1700", last.Payload["limit_tokens"])
	assert.NotEmpty(t, last.Payload["current_tokens"])
	assert.Equal(t, synthesis.Remediation, last.Payload["remediation"])
	assert.Equal(t, []string{"TOKEN_BUDGET_EXCEEDED"}, observer.outcomes)
}

func TestRequestTimeoutTerminates(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Hang())
	ag, recorder := newAgent(t, 16385, client, WithRequestTimeout(20*time.Millisecond))

	_, err := ag.Execute(context.Background(), TaskRequest{ID: "req-slow", Query: "hello"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))

	evts := recorder.Events("req-slow")
	require.Equal(t, 1, terminalCount(evts))
	assert.Equal(t, events.TypeTerminalError, evts[len(evts)-1].Type)
}

func TestCallerCancellation(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Hang())
	ag, recorder := newAgent(t, 16385, client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := ag.Execute(ctx, TaskRequest{ID: "req-cancel", Query: "hello"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
	assert.Equal(t, 1, terminalCount(recorder.Events("req-cancel")))
}

func TestEmptyQueryIsRejected(t *testing.T) {
	ag, recorder := newAgent(t, 16385, llmtest.NewScripted())

	_, err := ag.Execute(context.Background(), TaskRequest{ID: "req-empty", Query: "  "})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.Equal(t, []events.Type{events.TypeTerminalError}, types(recorder.Events("req-empty")))
}

func TestGeneratesRequestID(t *testing.T) {
	ag, _ := newAgent(t, 16385, llmtest.NewScripted(llmtest.Text("hi!")))
	result, err := ag.Execute(context.Background(), TaskRequest{Query: "hello"})
	require.NoError(t, err)
	assert.Len(t, result.RequestID, 36)
}

func TestDuplicateRequestIDIsRejected(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text("Sprint 5 has 12 open issues."), llmtest.Text("unused"))
	ag, recorder := newAgent(t, 16385, client)
	ag.guard = recorder

	_, err := ag.Execute(context.Background(), TaskRequest{ID: "req-dup", Query: "What is the status of sprint 5?"})
	require.NoError(t, err)

	_, err = ag.Execute(context.Background(), TaskRequest{ID: "req-dup", Query: "What is the status of sprint 6?"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	assert.Equal(t, 1, client.Calls())

	evts := recorder.Events("req-dup")
	assert.Equal(t, []events.Type{events.TypeRouteDecided, events.TypeFinalAnswer}, types(evts))
}
