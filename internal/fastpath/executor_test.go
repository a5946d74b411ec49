package fastpath

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/llm/llmtest"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubTool struct {
	name   string
	output string
	err    error
}

func (s stubTool) Schema() llm.ToolSchema { return llm.ToolSchema{Name: s.name, Description: "stub"} }

func (s stubTool) Invoke(context.Context, json.RawMessage) (string, error) {
	return s.output, s.err
}

func newExecutor(t *testing.T, window int, client llm.Client, cfg Config) *Executor {
	t.Helper()
	table, err := budget.NewTable(window, nil, 0)
	require.NoError(t, err)
	engine := compress.NewEngine(tokenizer.Heuristic(), table)
	registry := tools.NewRegistry(time.Second,
		stubTool{name: "echo", output: "observation"},
		stubTool{name: "big", output: strings.Repeat("x", 2000)},
		stubTool{name: "fail", err: errors.New("upstream 500")},
	)
	return New(client, engine, registry, WithConfig(cfg))
}

func repeat(turn llmtest.Turn, n int) []llmtest.Turn {
	turns := make([]llmtest.Turn, n)
	for i := range turns {
		turns[i] = turn
	}
	return turns
}

func TestEscalatesAfterMaxIterationsWithoutNinthCall(t *testing.T) {
	client := llmtest.NewScripted(repeat(llmtest.Call("echo", map[string]int{"n": 1}), 9)...)
	executor := newExecutor(t, 16385, client, Config{})

	res, err := executor.Run(context.Background(), Request{Query: "status of sprint 5?"})
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, ReasonTooManyIterations, res.Escalation.Reason)
	assert.Equal(t, 8, res.Iterations)
	assert.Equal(t, 8, client.Calls(), "a ninth model call must never happen")
	assert.Empty(t, res.Answer)
}

func TestEscalatesAfterRepeatedModelErrors(t *testing.T) {
	boom := errors.New("bad gateway")
	client := llmtest.NewScripted(llmtest.Fail(boom), llmtest.Fail(boom), llmtest.Fail(boom), llmtest.Text("late answer"))
	executor := newExecutor(t, 16385, client, Config{MaxIterations: 20})

	res, err := executor.Run(context.Background(), Request{Query: "hello"})
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, ReasonRepeatedErrors, res.Escalation.Reason)
	assert.Equal(t, 3, res.Errors)
	assert.Equal(t, 3, client.Calls())
}

func TestToolAndFormatErrorsShareTheCounter(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.Call("fail", map[string]string{"q": "a"}),
		llmtest.Text("   "),
		llmtest.Call("missing_tool", map[string]string{}),
		llmtest.Text("never reached"),
	)
	executor := newExecutor(t, 16385, client, Config{})

	res, err := executor.Run(context.Background(), Request{Query: "list risks"})
	require.NoError(t, err)
	assert.Equal(t, ReasonRepeatedErrors, res.Escalation.Reason)
	assert.Equal(t, 3, client.Calls())

	kinds := map[llm.MessageKind]int{}
	for _, msg := range res.Transcript {
		kinds[msg.Kind]++
	}
	assert.Equal(t, 3, kinds[llm.KindError])
}

func TestModelTimeoutsCountAsErrors(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Hang(), llmtest.Hang(), llmtest.Hang())
	executor := newExecutor(t, 16385, client, Config{ModelTimeout: 10 * time.Millisecond})

	start := time.Now()
	res, err := executor.Run(context.Background(), Request{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, ReasonRepeatedErrors, res.Escalation.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExplicitRequestCarriesPartialResult(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text(ExplicitMarker + " this needs research across several sources"))
	executor := newExecutor(t, 16385, client, Config{})

	res, err := executor.Run(context.Background(), Request{Query: "compare vendors"})
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, ReasonExplicitRequest, res.Escalation.Reason)
	assert.Contains(t, res.Escalation.PartialResult, "several sources")
	assert.Equal(t, xerrors.CodeEscalationRequired, xerrors.CodeOf(res.Escalation.Err()))
}

func TestAccumulatedObservationsTriggerOutputTooLarge(t *testing.T) {
	client := llmtest.NewScripted(repeat(llmtest.Call("big", map[string]int{"n": 1}), 9)...)
	executor := newExecutor(t, 2000, client, Config{})

	res, err := executor.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, ReasonOutputTooLarge, res.Escalation.Reason)
	assert.Equal(t, 7, client.Calls())

	fastLimit := executor.engine.Limit(budget.KindFastPath)
	for _, req := range client.Requests() {
		assert.LessOrEqual(t, executor.engine.Count(req.Messages), fastLimit, "model must see compressed context")
	}
	for _, msg := range res.Transcript {
		if msg.Role == llm.RoleTool {
			assert.LessOrEqual(t, msg.Tokens, fastLimit/4+tokenizer.MessageOverhead)
		}
	}
}

func TestOversizedAnswerEscalatesBeforeSynthesis(t *testing.T) {
	answer := strings.Repeat("a", 8000)
	client := llmtest.NewScripted(llmtest.Text(answer))
	executor := newExecutor(t, 2000, client, Config{})

	res, err := executor.Run(context.Background(), Request{Query: "dump everything"})
	require.NoError(t, err)
	assert.Equal(t, ReasonOutputTooLarge, res.Escalation.Reason)
	assert.Equal(t, answer, res.Escalation.PartialResult)
}

func TestAnswersAfterToolCall(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.Call("echo", map[string]string{"query": "sprint"}),
		llmtest.Text("Sprint 5 has 12 open issues."),
	)
	executor := newExecutor(t, 16385, client, Config{})

	res, err := executor.Run(context.Background(), Request{Query: "status of sprint 5?"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "Sprint 5 has 12 open issues.", res.Answer)
	assert.Equal(t, 2, res.Iterations)

	requests := client.Requests()
	require.Len(t, requests, 2)
	assert.Len(t, requests[0].Tools, 3)
	last := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "observation", last.Content)
	assert.Equal(t, "echo", last.Name)
}

func TestCancellationStopsTheLoop(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Hang())
	executor := newExecutor(t, 16385, client, Config{ModelTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := executor.Run(ctx, Request{Query: "hello"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNeedsPlan(t *testing.T) {
	assert.True(t, needsPlan("This requires a multi-step plan."))
	assert.True(t, needsPlan(ExplicitMarker))
	assert.False(t, needsPlan("Here is the answer."))
}

