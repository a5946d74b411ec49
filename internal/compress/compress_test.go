package compress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/llm/llmtest"
	"TaskPilot/internal/tokenizer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSummarizer struct {
	mu     sync.Mutex
	chunks [][]llm.Message
	err    error
}

func (s *stubSummarizer) Summarize(_ context.Context, chunk []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("summary of %d messages", len(chunk)), nil
}

func (s *stubSummarizer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	table, err := budget.NewTable(16385, nil, 0)
	require.NoError(t, err)
	return NewEngine(tokenizer.Heuristic(), table, opts...)
}

// history 构造：控制消息 + n 条 14 token 的中间消息 + 最新提问。
func history(e *Engine, n int) []llm.Message {
	msgs := []llm.Message{e.NewMessage(llm.RoleSystem, llm.KindControl, "test", "you are helpful")}
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("%02d", i) + strings.Repeat("a", 38)
		if i%2 == 0 {
			msgs = append(msgs, e.NewMessage(llm.RoleAssistant, llm.KindReasoning, "test", content))
		} else {
			msgs = append(msgs, e.NewObservation("test", "project_query", "", content))
		}
	}
	return append(msgs, e.NewMessage(llm.RoleUser, llm.KindQuery, "test", "what now?"))
}

func TestStaticImportance(t *testing.T) {
	assert.Equal(t, 1.0, StaticImportance(llm.KindQuery, 10))
	assert.Equal(t, 1.0, StaticImportance(llm.KindError, 10))
	assert.Equal(t, 1.0, StaticImportance(llm.KindFinal, 10))
	assert.Equal(t, 0.5, StaticImportance(llm.KindReasoning, 10))
	assert.Equal(t, 0.6, StaticImportance(llm.KindSummary, 10))
	assert.Equal(t, 0.3, StaticImportance(llm.KindObservation, 10))
	assert.Equal(t, 0.1, StaticImportance(llm.KindObservation, VerboseObservationTokens+1))
}

func TestNewMessageAssignsTokensAndImportance(t *testing.T) {
	e := newTestEngine(t)
	msg := e.NewMessage(llm.RoleTool, "", "fast_path", strings.Repeat("x", 40))
	assert.Equal(t, llm.KindObservation, msg.Kind)
	assert.Equal(t, 14, msg.Tokens)
	assert.Equal(t, 0.3, msg.Importance)

	call := e.NewToolCallMessage("fast_path", "", []llm.ToolCall{{ID: "1", Name: "web_search", Arguments: []byte(`{"query":"go"}`)}})
	assert.Greater(t, call.Tokens, tokenizer.MessageOverhead)
}

func TestCompressReturnsInputWhenItFits(t *testing.T) {
	e := newTestEngine(t)
	msgs := history(e, 4)
	res, err := NewTruncate(e.Counter(), 2).Compress(context.Background(), msgs, 1000)
	require.NoError(t, err)
	assert.False(t, res.Compressed())
	if diff := cmp.Diff(msgs, res.Messages()); diff != "" {
		t.Fatalf("messages changed (-want +got):\n%s", diff)
	}
}

func TestTruncateKeepsPinnedAndRecent(t *testing.T) {
	e := newTestEngine(t)
	msgs := history(e, 20)
	require.Equal(t, 295, e.Count(msgs))

	res, err := NewTruncate(e.Counter(), 0).Compress(context.Background(), msgs, 100)
	require.NoError(t, err)
	assert.Equal(t, 99, res.Tokens)
	assert.Equal(t, 8, res.KeptCount)
	assert.Equal(t, 22, res.OriginalCount)
	assert.Equal(t, llm.KindControl, res.Kept[0].Kind)
	assert.Equal(t, "what now?", res.Kept[len(res.Kept)-1].Content)
	assert.True(t, strings.HasPrefix(res.Kept[1].Content, "14"), "oldest kept is message 14, got %q", res.Kept[1].Content)

	res, err = NewTruncate(e.Counter(), 4).Compress(context.Background(), msgs, 100)
	require.NoError(t, err)
	assert.Equal(t, 6, res.KeptCount)
	assert.Equal(t, 71, res.Tokens)
}

func TestInfeasibleWhenPinnedExceedsLimit(t *testing.T) {
	e := newTestEngine(t)
	msgs := []llm.Message{
		e.NewMessage(llm.RoleSystem, llm.KindControl, "test", strings.Repeat("c", 400)),
		e.NewMessage(llm.RoleAssistant, llm.KindReasoning, "test", "thinking"),
		e.NewMessage(llm.RoleUser, llm.KindQuery, "test", strings.Repeat("q", 400)),
	}
	for _, strategy := range []Strategy{
		NewTruncate(e.Counter(), 2),
		NewHierarchical(e.Counter(), &stubSummarizer{}, 2, 2),
		NewImportance(e.Counter(), &stubSummarizer{}, DefaultImportancePolicy()),
	} {
		res, err := strategy.Compress(context.Background(), msgs, 150)
		require.NoError(t, err)
		assert.True(t, res.Infeasible, strategy.Name())
		assert.Equal(t, 208, res.RequiredTokens, strategy.Name())
		assert.Empty(t, res.Kept, strategy.Name())
		assert.Zero(t, res.Tokens, strategy.Name())
	}
}

func TestHierarchicalSummarizesOlderChunks(t *testing.T) {
	e := newTestEngine(t)
	summarizer := &stubSummarizer{}
	msgs := history(e, 12)

	res, err := NewHierarchical(e.Counter(), summarizer, 4, 4).Compress(context.Background(), msgs, 120)
	require.NoError(t, err)
	assert.Equal(t, 2, summarizer.calls())
	assert.Equal(t, "summary of 4 messages\nsummary of 4 messages", res.Summary)
	assert.Equal(t, 6, res.KeptCount)
	assert.LessOrEqual(t, res.Tokens, 120)

	out := res.Messages()
	require.Len(t, out, 7)
	assert.Equal(t, llm.KindControl, out[0].Kind)
	assert.Equal(t, llm.KindSummary, out[1].Kind)
	assert.Equal(t, res.SummaryTokens, out[1].Tokens)
	assert.Equal(t, res.Tokens, e.Count(out))
}

func TestHierarchicalDegradesToTruncateOnSummarizerFailure(t *testing.T) {
	e := newTestEngine(t)
	summarizer := &stubSummarizer{err: errors.New("model down")}
	msgs := history(e, 12)

	res, err := NewHierarchical(e.Counter(), summarizer, 4, 4).Compress(context.Background(), msgs, 120)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Summary)
	assert.LessOrEqual(t, res.Tokens, 120)
	assert.Equal(t, 6, res.KeptCount)
}

func TestHierarchicalCachedSummariesAvoidModelCalls(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	client := llmtest.Func(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		calls.Add(1)
		return &llm.Response{Text: "condensed", FinishReason: llm.FinishStop}, nil
	})
	strategy := NewHierarchical(e.Counter(), NewLLMSummarizer(client, e.Counter()), 4, 4)
	msgs := history(e, 12)

	first, err := strategy.Compress(context.Background(), msgs, 120)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	second, err := strategy.Compress(context.Background(), msgs, 120)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "second pass must be served from cache")
	if diff := cmp.Diff(first.Messages(), second.Messages()); diff != "" {
		t.Fatalf("results differ (-first +second):\n%s", diff)
	}
}

func TestLLMSummarizerSharesConcurrentIdenticalChunks(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	client := llmtest.Func(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		calls.Add(1)
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &llm.Response{Text: "shared", FinishReason: llm.FinishStop}, nil
	})
	summarizer := NewLLMSummarizer(client, e.Counter())
	chunk := history(e, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := summarizer.Summarize(context.Background(), chunk)
			assert.NoError(t, err)
			assert.Equal(t, "shared", summary)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLMSummarizerCancellationStaysWithCaller(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	client := llmtest.Func(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &llm.Response{Text: "shared", FinishReason: llm.FinishStop}, nil
	})
	summarizer := NewLLMSummarizer(client, e.Counter())
	chunk := history(e, 3)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := summarizer.Summarize(ctxA, chunk)
		errA <- err
	}()
	<-started

	type outcome struct {
		summary string
		err     error
	}
	resB := make(chan outcome, 1)
	go func() {
		summary, err := summarizer.Summarize(context.Background(), chunk)
		resB <- outcome{summary, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-resB:
		require.NoError(t, got.err)
		assert.Equal(t, "shared", got.summary)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestImportanceBands(t *testing.T) {
	e := newTestEngine(t)
	summarizer := &stubSummarizer{}
	msgs := []llm.Message{
		e.NewMessage(llm.RoleSystem, llm.KindControl, "test", "You are a planner."),
		e.NewMessage(llm.RoleUser, llm.KindQuery, "test", "earlier question"),
		e.NewObservation("test", "web_search", "", strings.Repeat("v", 2400)),
		e.NewObservation("test", "web_search", "", strings.Repeat("s", 40)),
		e.NewMessage(llm.RoleAssistant, llm.KindReasoning, "test", strings.Repeat("r", 40)),
		e.NewMessage(llm.RoleUser, llm.KindQuery, "test", "what is the status?"),
	}
	policy := ImportancePolicy{High: 0.7, Low: 0.4, RecencyWindow: 6, RecencyBonus: 0}

	res, err := NewImportance(e.Counter(), summarizer, policy).Compress(context.Background(), msgs, 200)
	require.NoError(t, err)

	require.Equal(t, 1, summarizer.calls())
	require.Len(t, summarizer.chunks[0], 1)
	assert.Equal(t, llm.KindReasoning, summarizer.chunks[0][0].Kind)

	got := make([]string, 0, len(res.Kept))
	for _, msg := range res.Kept {
		got = append(got, msg.Content)
	}
	assert.Equal(t, []string{"You are a planner.", "earlier question", "what is the status?"}, got)
	assert.Equal(t, "summary of 1 messages", res.Summary)
	assert.Equal(t, 36, res.Tokens)
}

func TestImportanceRecencyBonus(t *testing.T) {
	e := newTestEngine(t)
	strategy := NewImportance(e.Counter(), nil, DefaultImportancePolicy())
	msgs := make([]llm.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, e.NewObservation("test", "web_search", "", "short"))
	}
	assert.InDelta(t, 0.6, strategy.Score(msgs, 9), 1e-9)
	assert.InDelta(t, 0.35, strategy.Score(msgs, 4), 1e-9)
	assert.InDelta(t, 0.3, strategy.Score(msgs, 3), 1e-9)
}

func randomHistory(e *Engine, rng *rand.Rand) []llm.Message {
	msgs := []llm.Message{e.NewMessage(llm.RoleSystem, llm.KindControl, "test", strings.Repeat("c", rng.Intn(60)))}
	roles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool}
	for i, n := 0, rng.Intn(30); i < n; i++ {
		role := roles[rng.Intn(len(roles))]
		msgs = append(msgs, e.NewMessage(role, "", "test", strings.Repeat("m", rng.Intn(400))))
	}
	if rng.Intn(4) > 0 {
		msgs = append(msgs, e.NewMessage(llm.RoleUser, llm.KindQuery, "test", strings.Repeat("q", rng.Intn(80))))
	}
	return msgs
}

func TestCompressionInvariants(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))
	strategies := []Strategy{
		NewTruncate(e.Counter(), 3),
		NewTruncate(e.Counter(), 0),
		NewHierarchical(e.Counter(), &stubSummarizer{}, 3, 2),
		NewImportance(e.Counter(), &stubSummarizer{}, DefaultImportancePolicy()),
	}

	for iter := 0; iter < 300; iter++ {
		msgs := randomHistory(e, rng)
		limit := 20 + rng.Intn(600)
		for _, strategy := range strategies {
			res, err := strategy.Compress(context.Background(), msgs, limit)
			require.NoError(t, err)

			if res.Infeasible {
				assert.Greater(t, res.RequiredTokens, limit)
				assert.Empty(t, res.Messages())
				continue
			}
			out := res.Messages()
			require.LessOrEqual(t, e.Count(out), limit, "%s iter=%d", strategy.Name(), iter)
			require.Equal(t, res.Tokens, e.Count(out))

			again, err := strategy.Compress(context.Background(), out, limit)
			require.NoError(t, err)
			require.LessOrEqual(t, again.Tokens, res.Tokens)
			if diff := cmp.Diff(out, again.Messages()); diff != "" {
				t.Fatalf("%s not a fixed point at iter=%d (-first +second):\n%s", strategy.Name(), iter, diff)
			}
		}
	}
}

func TestEngineUsesStrategyPerKind(t *testing.T) {
	var observed []budget.AgentKind
	e := newTestEngine(t,
		WithStrategy(budget.KindSynthesis, NewImportance(tokenizer.Heuristic(), nil, DefaultImportancePolicy())),
		WithObserver(func(kind budget.AgentKind, _ Result) { observed = append(observed, kind) }),
	)
	assert.Equal(t, StrategyImportance, e.Strategy(budget.KindSynthesis).Name())
	assert.Equal(t, StrategyTruncate, e.Strategy(budget.KindRouter).Name())

	res, err := e.Compress(context.Background(), budget.KindRouter, history(e, 2))
	require.NoError(t, err)
	assert.Equal(t, 3277, res.Limit)
	assert.Equal(t, []budget.AgentKind{budget.KindRouter}, observed)
}

func TestStrategiesFromConfig(t *testing.T) {
	counter := tokenizer.Heuristic()
	opts, err := StrategiesFromConfig(counter, &stubSummarizer{}, Config{
		Strategies: map[budget.AgentKind]string{
			budget.KindFastPath:  StrategyImportance,
			budget.KindPlanner:   StrategyHierarchical,
			budget.KindValidator: StrategyTruncate,
		},
	})
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	_, err = StrategiesFromConfig(counter, nil, Config{Strategies: map[budget.AgentKind]string{budget.KindRouter: "zip"}})
	require.Error(t, err)
}

func TestTrimContent(t *testing.T) {
	counter := tokenizer.Heuristic()
	text := strings.Repeat("word ", 100)
	trimmed := trimContent(counter, text, 20)
	assert.LessOrEqual(t, counter.Count(trimmed), 20)
	assert.True(t, strings.HasSuffix(trimmed, "[truncated]"))
	assert.Equal(t, "short", trimContent(counter, "short", 20))
	assert.Empty(t, trimContent(counter, text, 0))
}
