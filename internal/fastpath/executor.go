// Package fastpath runs the low-latency single-agent mode: a bounded
// reasoning and tool-calling loop that either answers or hands the request
// over to the full pipeline.
package fastpath

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/tools"
	"TaskPilot/pkg/logger"
)

// Reason 是升级到完整流水线的原因。
type Reason string

const (
	ReasonTooManyIterations Reason = "TOO_MANY_ITERATIONS"
	ReasonRepeatedErrors    Reason = "REPEATED_ERRORS"
	ReasonExplicitRequest   Reason = "EXPLICIT_REQUEST"
	ReasonOutputTooLarge    Reason = "OUTPUT_TOO_LARGE"
)

// EscalationSignal 由快速路径产生，路由器消费一次后进入规划模式。
type EscalationSignal struct {
	Reason        Reason `json:"reason"`
	PartialResult string `json:"partial_result,omitempty"`
	Iterations    int    `json:"iterations"`
	Errors        int    `json:"errors"`
	Detail        string `json:"detail,omitempty"`
}

// Err 把升级信号表示为 ESCALATION_REQUIRED 错误，便于日志与审计。
func (s *EscalationSignal) Err() error {
	return xerrors.New(xerrors.CodeEscalationRequired, fmt.Sprintf("fast path escalated: %s", s.Reason),
		xerrors.WithMetadata("reason", string(s.Reason)))
}

// Status 是执行结果的标签。
type Status string

const (
	StatusDone      Status = "DONE"
	StatusEscalated Status = "ESCALATED"
)

// Result 是 Done(answer) 或 Escalated(signal) 二选一；出错时由 Run 的 error 返回。
type Result struct {
	Status     Status
	Answer     string
	Escalation *EscalationSignal
	Iterations int
	Errors     int
	// Transcript 是本次循环积累的非控制消息，升级时供规划参考。
	Transcript []llm.Message
	Usage      llm.Usage
}

// ExplicitMarker 是模型请求多步规划时输出的标记。
const ExplicitMarker = "[[NEEDS_PLAN]]"

const systemPrompt = "You are a fast task assistant. Answer directly when you can. " +
	"Call a tool when you need project data or fresh information. " +
	"If the request clearly needs a multi-step plan, reply with " + ExplicitMarker + " and a one-line reason."

// Config 是快速路径的策略参数。
type Config struct {
	MaxIterations       int
	MaxErrors           int
	ModelTimeout        time.Duration
	ObservationFraction float64
	MaxOutputTokens     int
	Tools               []string
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxIterations:       8,
		MaxErrors:           3,
		ModelTimeout:        60 * time.Second,
		ObservationFraction: 0.25,
		MaxOutputTokens:     1024,
	}
}

// Executor 执行快速路径循环，可被多个请求共享。
type Executor struct {
	client llm.Client
	engine *compress.Engine
	tools  *tools.Registry
	cfg    Config
	logger *slog.Logger
}

// Option 自定义执行器。
type Option func(*Executor)

// WithConfig 覆盖默认配置，零值字段保持默认。
func WithConfig(cfg Config) Option {
	return func(x *Executor) {
		defaults := x.cfg
		if cfg.MaxIterations > 0 {
			defaults.MaxIterations = cfg.MaxIterations
		}
		if cfg.MaxErrors > 0 {
			defaults.MaxErrors = cfg.MaxErrors
		}
		if cfg.ModelTimeout > 0 {
			defaults.ModelTimeout = cfg.ModelTimeout
		}
		if cfg.ObservationFraction > 0 && cfg.ObservationFraction <= 1 {
			defaults.ObservationFraction = cfg.ObservationFraction
		}
		if cfg.MaxOutputTokens > 0 {
			defaults.MaxOutputTokens = cfg.MaxOutputTokens
		}
		if len(cfg.Tools) > 0 {
			defaults.Tools = append([]string(nil), cfg.Tools...)
		}
		x.cfg = defaults
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(x *Executor) {
		if log != nil {
			x.logger = log
		}
	}
}

// New 创建快速路径执行器。
func New(client llm.Client, engine *compress.Engine, registry *tools.Registry, opts ...Option) *Executor {
	x := &Executor{
		client: client,
		engine: engine,
		tools:  registry,
		cfg:    DefaultConfig(),
		logger: logger.Named("fastpath"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x
}

// Request 是一次快速路径执行的输入。
type Request struct {
	Query   string
	History []llm.Message
}

// loopState 是单次执行的可变状态，只在 Run 内部使用。
type loopState struct {
	msgs       []llm.Message
	iterations int
	errors     int
	partial    string
	usage      llm.Usage
}

// Run 执行循环。只有取消或超时才返回 error，其余失败计入错误次数并最终升级。
func (x *Executor) Run(ctx context.Context, req Request) (Result, error) {
	state := &loopState{msgs: x.initialMessages(req)}
	schemas := x.schemas()

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		// 每轮开始先检查升级条件，先命中者生效。
		if state.iterations >= x.cfg.MaxIterations {
			return x.escalate(state, ReasonTooManyIterations, fmt.Sprintf("no final answer after %d iterations", state.iterations)), nil
		}
		if state.errors >= x.cfg.MaxErrors {
			return x.escalate(state, ReasonRepeatedErrors, fmt.Sprintf("%d tool or format errors", state.errors)), nil
		}
		if estimate, limit := x.estimate(state, ""), x.engine.Limit(budget.KindSynthesis); estimate > limit {
			return x.escalate(state, ReasonOutputTooLarge, fmt.Sprintf("accumulated context %d tokens exceeds synthesis ceiling %d", estimate, limit)), nil
		}

		compressed, err := x.engine.Compress(ctx, budget.KindFastPath, state.msgs)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, err
		}
		if compressed.Infeasible {
			return x.escalate(state, ReasonOutputTooLarge, fmt.Sprintf("minimal context needs %d tokens, fast path ceiling is %d", compressed.RequiredTokens, compressed.Limit)), nil
		}

		state.iterations++
		resp, err := x.generate(ctx, compressed.Messages(), schemas)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			x.recordError(state, "model call failed", err)
			continue
		}
		state.usage.PromptTokens += resp.Usage.PromptTokens
		state.usage.CompletionTokens += resp.Usage.CompletionTokens

		if resp.HasToolCalls() {
			if err := x.runTools(ctx, state, resp); err != nil {
				return Result{}, err
			}
			continue
		}

		answer := strings.TrimSpace(resp.Text)
		if answer == "" {
			x.recordError(state, "empty model response", xerrors.New(xerrors.CodeFormat, "模型返回空内容"))
			continue
		}
		state.partial = answer

		if needsPlan(answer) {
			return x.escalate(state, ReasonExplicitRequest, "model asked for a multi-step plan"), nil
		}
		if estimate, limit := x.estimate(state, answer), x.engine.Limit(budget.KindSynthesis); estimate > limit {
			return x.escalate(state, ReasonOutputTooLarge, fmt.Sprintf("answer with observations needs %d tokens, synthesis ceiling is %d", estimate, limit)), nil
		}

		return Result{
			Status:     StatusDone,
			Answer:     answer,
			Iterations: state.iterations,
			Errors:     state.errors,
			Transcript: transcript(state.msgs),
			Usage:      state.usage,
		}, nil
	}
}

func (x *Executor) initialMessages(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, x.engine.NewMessage(llm.RoleSystem, llm.KindControl, "fast_path", systemPrompt))
	msgs = append(msgs, req.History...)
	return append(msgs, x.engine.NewMessage(llm.RoleUser, llm.KindQuery, "user", req.Query))
}

func (x *Executor) schemas() []llm.ToolSchema {
	if x.tools == nil {
		return nil
	}
	return x.tools.Schemas(x.cfg.Tools...)
}

func (x *Executor) generate(ctx context.Context, msgs []llm.Message, schemas []llm.ToolSchema) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, x.cfg.ModelTimeout)
	defer cancel()

	resp, err := x.client.Generate(callCtx, llm.Request{
		Messages:  msgs,
		Tools:     schemas,
		MaxTokens: x.cfg.MaxOutputTokens,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeFormat, "模型未返回结果")
	}
	return resp, nil
}

// runTools 依次执行工具调用；观察结果在追加前按上限截断。
func (x *Executor) runTools(ctx context.Context, state *loopState, resp *llm.Response) error {
	state.msgs = append(state.msgs, x.engine.NewToolCallMessage("fast_path", resp.Text, resp.ToolCalls))
	if x.tools == nil {
		x.recordError(state, "tool call without registry", xerrors.New(xerrors.CodeToolExecution, "未配置任何工具"))
		return nil
	}

	maxTokens := int(float64(x.engine.Limit(budget.KindFastPath)) * x.cfg.ObservationFraction)
	for _, call := range resp.ToolCalls {
		output, err := x.tools.Invoke(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			state.errors++
			x.logger.Warn("工具调用失败",
				slog.String("tool", call.Name),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Int("errors", state.errors),
				slog.Any("error", err))
			msg := x.engine.NewObservation("fast_path", call.Name, call.ID, "error: "+err.Error())
			msg.Kind = llm.KindError
			state.msgs = append(state.msgs, msg)
			continue
		}
		output = x.engine.Trim(output, maxTokens)
		state.msgs = append(state.msgs, x.engine.NewObservation("fast_path", call.Name, call.ID, output))
	}
	return nil
}

func (x *Executor) recordError(state *loopState, what string, err error) {
	state.errors++
	x.logger.Warn(what,
		slog.Int("iteration", state.iterations),
		slog.Int("errors", state.errors),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	state.msgs = append(state.msgs, x.engine.NewMessage(llm.RoleUser, llm.KindError, "fast_path",
		fmt.Sprintf("The previous attempt failed (%s). Try again or answer with what you have.", what)))
}

// estimate 估算答案、累计观察结果与近期状态的 token 数。
func (x *Executor) estimate(state *loopState, answer string) int {
	total := x.engine.Count(transcript(state.msgs))
	if answer != "" {
		total += x.engine.Counter().Message(answer)
	}
	return total
}

func (x *Executor) escalate(state *loopState, reason Reason, detail string) Result {
	signal := &EscalationSignal{
		Reason:        reason,
		PartialResult: state.partial,
		Iterations:    state.iterations,
		Errors:        state.errors,
		Detail:        detail,
	}
	x.logger.Info("快速路径升级", slog.String("reason", string(reason)), slog.String("detail", detail))
	return Result{
		Status:     StatusEscalated,
		Escalation: signal,
		Iterations: state.iterations,
		Errors:     state.errors,
		Transcript: transcript(state.msgs),
		Usage:      state.usage,
	}
}

func transcript(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.Pinned() {
			out = append(out, msg)
		}
	}
	return out
}

func needsPlan(answer string) bool {
	lower := strings.ToLower(answer)
	return strings.Contains(answer, ExplicitMarker) ||
		strings.Contains(lower, "requires a multi-step plan") ||
		strings.Contains(lower, "needs a multi-step plan")
}
