// Package synthesis produces the user-facing answer from the observations a
// request accumulated, after checking them against the synthesis budget.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
	"TaskPilot/pkg/logger"
)

// Remediation 是预算超限时给用户的建议。
const Remediation = "use a model with a larger context window, or narrow the request"

const reporterPrompt = "You write the final answer to the user's request from the findings below. " +
	"Be concise, keep figures exact, and say plainly when a finding is missing."

const incompleteNote = "Some planned work did not complete: %s. " +
	"State clearly that the answer is partial and which part is missing."

// Observation 是一条待合成的发现。
type Observation struct {
	Title   string
	Content string
}

// Request 是一次合成的输入。
type Request struct {
	Query        string
	Observations []Observation
	// Incomplete 为 true 时答案必须声明是部分结果。
	Incomplete       bool
	IncompleteReason string
}

// Report 是合成结果。
type Report struct {
	Answer     string    `json:"answer"`
	Truncated  bool      `json:"truncated"`
	Incomplete bool      `json:"incomplete"`
	Strategy   string    `json:"strategy"`
	Tokens     int       `json:"tokens"`
	Limit      int       `json:"limit"`
	Usage      llm.Usage `json:"usage"`
}

// Reporter 在合成预算内生成最终答案。
type Reporter struct {
	client          llm.Client
	engine          *compress.Engine
	timeout         time.Duration
	maxOutputTokens int
	logger          *slog.Logger
}

// Option 自定义 Reporter。
type Option func(*Reporter)

// WithTimeout 设置模型调用超时。
func WithTimeout(timeout time.Duration) Option {
	return func(r *Reporter) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithMaxOutputTokens 设置答案的最大 token 数。
func WithMaxOutputTokens(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.maxOutputTokens = n
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Reporter) {
		if log != nil {
			r.logger = log
		}
	}
}

// NewReporter 创建 Reporter。
func NewReporter(client llm.Client, engine *compress.Engine, opts ...Option) *Reporter {
	r := &Reporter{
		client:          client,
		engine:          engine,
		timeout:         90 * time.Second,
		maxOutputTokens: 2048,
		logger:          logger.Named("synthesis"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// BudgetExceeded 构造终止性的预算超限错误，携带当前与上限 token 数以及修复建议。
func BudgetExceeded(current, limit int) error {
	return xerrors.New(xerrors.CodeTokenBudgetExceeded,
		fmt.Sprintf("合成上下文需要 %d tokens，超过上限 %d tokens；建议：%s", current, limit, Remediation),
		xerrors.WithMetadata("current_tokens", strconv.Itoa(current)),
		xerrors.WithMetadata("limit_tokens", strconv.Itoa(limit)),
		xerrors.WithMetadata("remediation", Remediation))
}

// Synthesize 压缩观察结果并生成答案。压缩后仍超出上限时不调用模型，直接返回 TOKEN_BUDGET_EXCEEDED。
func (r *Reporter) Synthesize(ctx context.Context, req Request) (Report, error) {
	msgs := r.messages(req)
	limit := r.engine.Limit(budget.KindSynthesis)

	compressed, err := r.engine.Compress(ctx, budget.KindSynthesis, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		return Report{}, err
	}
	if compressed.Infeasible {
		r.logger.Warn("合成上下文无法压缩到上限内",
			slog.Int("current_tokens", compressed.RequiredTokens),
			slog.Int("limit_tokens", limit))
		return Report{}, BudgetExceeded(compressed.RequiredTokens, limit)
	}
	final := compressed.Messages()
	if tokens := r.engine.Count(final); tokens > limit {
		return Report{}, BudgetExceeded(tokens, limit)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.client.Generate(callCtx, llm.Request{Messages: final, MaxTokens: r.maxOutputTokens})
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		if callCtx.Err() != nil {
			return Report{}, xerrors.Wrap(xerrors.CodeTimeout, err, "合成模型调用超时")
		}
		return Report{}, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "合成模型调用失败")
	}

	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return Report{}, xerrors.New(xerrors.CodeFormat, "合成结果为空")
	}
	return Report{
		Answer:     answer,
		Truncated:  resp.FinishReason == llm.FinishLength,
		Incomplete: req.Incomplete,
		Strategy:   compressed.Strategy,
		Tokens:     compressed.Tokens,
		Limit:      limit,
		Usage:      resp.Usage,
	}, nil
}

func (r *Reporter) messages(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.Observations)+3)
	msgs = append(msgs, r.engine.NewMessage(llm.RoleSystem, llm.KindControl, "synthesis", reporterPrompt))
	if req.Incomplete {
		reason := req.IncompleteReason
		if reason == "" {
			reason = "unknown"
		}
		msgs = append(msgs, r.engine.NewMessage(llm.RoleSystem, llm.KindControl, "synthesis", fmt.Sprintf(incompleteNote, reason)))
	}
	for _, obs := range req.Observations {
		content := obs.Content
		if obs.Title != "" {
			content = obs.Title + ": " + content
		}
		msgs = append(msgs, r.engine.NewMessage(llm.RoleAssistant, llm.KindObservation, "synthesis", content))
	}
	return append(msgs, r.engine.NewMessage(llm.RoleUser, llm.KindQuery, "user", req.Query))
}
