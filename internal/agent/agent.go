package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/events"
	"TaskPilot/internal/fastpath"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/pipeline"
	"TaskPilot/internal/router"
	"TaskPilot/internal/synthesis"
	"TaskPilot/pkg/logger"
)

// TaskRequest 描述一次用户请求。
type TaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// History 是调用方提供的本轮对话历史，只在本次请求内使用。
	History []llm.Message `json:"-"`
}

// TaskResult 汇总一次请求的执行结果。
type TaskResult struct {
	RequestID        string                     `json:"request_id"`
	Query            string                     `json:"query"`
	Answer           string                     `json:"answer"`
	Mode             router.Mode                `json:"mode"`
	RouteSource      router.Source              `json:"route_source"`
	Escalation       *fastpath.EscalationSignal `json:"escalation,omitempty"`
	Plan             *pipeline.Plan             `json:"plan,omitempty"`
	Replans          int                        `json:"replans"`
	Iterations       int                        `json:"iterations"`
	Incomplete       bool                       `json:"incomplete"`
	IncompleteReason string                     `json:"incomplete_reason,omitempty"`
	Truncated        bool                       `json:"truncated"`
	Usage            llm.Usage                  `json:"usage"`
	CreatedAt        int64                      `json:"created_at"`
	DurationMillis   int64                      `json:"duration_ms"`
}

// Observer 接收编排过程中的统计信号，通常由指标模块实现。
type Observer interface {
	ObserveRoute(mode, source string)
	ObserveEscalation(reason string)
	ObserveReplans(count int)
	ObserveOutcome(code string, duration time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveRoute(string, string)          {}
func (noopObserver) ObserveEscalation(string)             {}
func (noopObserver) ObserveReplans(int)                   {}
func (noopObserver) ObserveOutcome(string, time.Duration) {}

// RequestGuard 保证请求 ID 唯一，events.Recorder 实现了该接口。
type RequestGuard interface {
	Reserve(requestID string) bool
}

// Agent 是请求级编排器，可被多个请求并发共享；请求状态只存在于单次 Execute 中。
type Agent struct {
	router         *router.Router
	fastPath       *fastpath.Executor
	pipeline       *pipeline.Pipeline
	reporter       *synthesis.Reporter
	sink           events.Sink
	observer       Observer
	guard          RequestGuard
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithEventSink 设置进度事件的接收者。
func WithEventSink(sink events.Sink) Option {
	return func(a *Agent) {
		if sink != nil {
			a.sink = sink
		}
	}
}

// WithObserver 设置统计观察者。
func WithObserver(observer Observer) Option {
	return func(a *Agent) {
		if observer != nil {
			a.observer = observer
		}
	}
}

// WithRequestGuard 拒绝重复的请求 ID，避免两次执行写入同一条事件流。
func WithRequestGuard(guard RequestGuard) Option {
	return func(a *Agent) {
		a.guard = guard
	}
}

// WithRequestTimeout 设置单个请求的总超时，<=0 表示只受调用方 context 约束。
func WithRequestTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout < 0 {
			timeout = 0
		}
		a.requestTimeout = timeout
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.logger = log
		}
	}
}

// New 创建一个 Agent。
func New(r *router.Router, fast *fastpath.Executor, pipe *pipeline.Pipeline, reporter *synthesis.Reporter, opts ...Option) *Agent {
	ag := &Agent{
		router:   r,
		fastPath: fast,
		pipeline: pipe,
		reporter: reporter,
		sink:     events.Discard,
		observer: noopObserver{},
		logger:   logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Execute 执行一次请求。无论成功或失败，都恰好发出一个终止事件。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	// 重复 ID 直接拒绝，不发出任何事件，已有请求的事件流保持不变。
	if a.guard != nil && !a.guard.Reserve(req.ID) {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("请求 ID %s 已被使用", req.ID))
	}
	emitter := events.NewEmitter(req.ID, a.sink, a.logger)
	start := time.Now()

	result, err := a.run(ctx, emitter, req)
	duration := time.Since(start)
	if err != nil {
		err = a.classify(ctx, err)
		a.terminate(ctx, emitter, err)
		a.observer.ObserveOutcome(string(xerrors.CodeOf(err)), duration)
		logger.Audit().Warn("request failed",
			slog.String("request_id", req.ID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return nil, err
	}

	result.DurationMillis = duration.Milliseconds()
	emitter.Emit(ctx, events.TypeFinalAnswer, -1, 0, result.Answer, map[string]any{
		"mode":       string(result.Mode),
		"incomplete": result.Incomplete,
		"truncated":  result.Truncated,
	})
	a.observer.ObserveOutcome("", duration)
	logger.Audit().Info("request succeeded",
		slog.String("request_id", req.ID),
		slog.String("mode", string(result.Mode)),
		slog.Bool("incomplete", result.Incomplete),
		slog.Duration("duration", duration))
	return result, nil
}

func (a *Agent) run(parent context.Context, emitter *events.Emitter, req TaskRequest) (*TaskResult, error) {
	// 验证必要的组件是否已配置。
	if a.router == nil || a.fastPath == nil || a.pipeline == nil || a.reporter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排组件未完整配置")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "请求内容不能为空")
	}

	ctx := parent
	if a.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, a.requestTimeout)
		defer cancel()
	}

	result := &TaskResult{RequestID: req.ID, Query: req.Query, CreatedAt: time.Now().Unix()}

	// 路由。
	decision, err := a.route(ctx, emitter, router.Request{Query: req.Query, History: req.History})
	if err != nil {
		return nil, err
	}

	var planContext []llm.Message
	if decision.Mode == router.ModeFastPath {
		res, err := a.fastPath.Run(ctx, fastpath.Request{Query: req.Query, History: req.History})
		if err != nil {
			return nil, err
		}
		result.Iterations = res.Iterations
		addUsage(&result.Usage, res.Usage)
		if res.Status == fastpath.StatusDone {
			result.Mode = router.ModeFastPath
			result.RouteSource = decision.Source
			result.Answer = res.Answer
			return result, nil
		}

		// 升级为完整流水线，同一请求内不会回到快速路径。
		signal := res.Escalation
		a.logger.Info("请求升级到完整流水线", slog.String("request_id", req.ID), slog.Any("error", signal.Err()))
		a.observer.ObserveEscalation(string(signal.Reason))
		emitter.Emit(ctx, events.TypeEscalation, -1, 0, signal.Detail, map[string]any{
			"reason":     string(signal.Reason),
			"iterations": signal.Iterations,
			"errors":     signal.Errors,
		})
		decision, err = a.route(ctx, emitter, router.Request{Query: req.Query, History: req.History, Escalation: signal})
		if err != nil {
			return nil, err
		}
		result.Escalation = signal
		planContext = escalationContext(req.History, res)
	} else {
		planContext = append(planContext, req.History...)
	}

	result.Mode = decision.Mode
	result.RouteSource = decision.Source
	outcome, err := a.pipeline.Run(ctx, pipeline.Input{Query: req.Query, Context: planContext, Emitter: emitter})
	if err != nil {
		return nil, err
	}
	a.observer.ObserveReplans(outcome.Replans)
	result.Plan = outcome.Plan
	result.Replans = outcome.Replans
	result.Incomplete = outcome.Incomplete
	result.IncompleteReason = outcome.IncompleteReason

	report, err := a.reporter.Synthesize(ctx, synthesis.Request{
		Query:            req.Query,
		Observations:     observations(outcome, planContext, result.Escalation),
		Incomplete:       outcome.Incomplete,
		IncompleteReason: outcome.IncompleteReason,
	})
	if err != nil {
		return nil, err
	}
	result.Answer = report.Answer
	result.Truncated = report.Truncated
	addUsage(&result.Usage, report.Usage)
	return result, nil
}

func (a *Agent) route(ctx context.Context, emitter *events.Emitter, req router.Request) (router.Decision, error) {
	decision, err := a.router.Route(ctx, req)
	if err != nil {
		return router.Decision{}, err
	}
	a.observer.ObserveRoute(string(decision.Mode), string(decision.Source))
	emitter.Emit(ctx, events.TypeRouteDecided, -1, 0, decision.Reason, map[string]any{
		"mode":   string(decision.Mode),
		"source": string(decision.Source),
	})
	return decision, nil
}

// classify 把取消与超时转换为统一错误码。
func (a *Agent) classify(parent context.Context, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case parent.Err() != nil && stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCancelled, err, "请求已取消")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "请求超时")
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCancelled, err, "请求已取消")
	default:
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "请求执行失败")
	}
}

func (a *Agent) terminate(ctx context.Context, emitter *events.Emitter, err error) {
	payload := map[string]any{"code": string(xerrors.CodeOf(err))}
	if typed, ok := xerrors.From(err); ok {
		for key, value := range typed.Metadata() {
			payload[key] = value
		}
	}
	emitter.Emit(ctx, events.TypeTerminalError, -1, 0, err.Error(), payload)
}

// escalationContext 把快速路径的记录与部分结果交给规划器。
func escalationContext(history []llm.Message, res fastpath.Result) []llm.Message {
	out := make([]llm.Message, 0, len(history)+len(res.Transcript)+1)
	out = append(out, history...)
	for _, msg := range res.Transcript {
		if msg.Kind == llm.KindQuery {
			continue
		}
		out = append(out, msg)
	}
	if partial := strings.TrimSpace(res.Escalation.PartialResult); partial != "" {
		out = append(out, llm.Message{
			Role:       llm.RoleAssistant,
			Kind:       llm.KindReasoning,
			Origin:     "fast_path",
			Content:    "Partial answer before escalation: " + partial,
			Importance: 0.5,
		})
	}
	return out
}

// observations 收集交给合成阶段的发现：已接受的步骤结果，其次是升级前的部分结果与工具输出。
func observations(outcome pipeline.Outcome, planContext []llm.Message, signal *fastpath.EscalationSignal) []synthesis.Observation {
	var out []synthesis.Observation
	if outcome.Plan != nil {
		for idx, step := range outcome.Plan.Accepted() {
			out = append(out, synthesis.Observation{
				Title:   fmt.Sprintf("Step %d: %s", idx+1, step.Title),
				Content: step.ExecutionResult,
			})
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, msg := range planContext {
		if msg.Kind == llm.KindObservation && strings.TrimSpace(msg.Content) != "" {
			out = append(out, synthesis.Observation{Title: msg.Name, Content: msg.Content})
		}
	}
	if signal != nil && strings.TrimSpace(signal.PartialResult) != "" {
		out = append(out, synthesis.Observation{Title: "Partial answer", Content: signal.PartialResult})
	}
	return out
}

func addUsage(total *llm.Usage, usage llm.Usage) {
	total.PromptTokens += usage.PromptTokens
	total.CompletionTokens += usage.CompletionTokens
}
