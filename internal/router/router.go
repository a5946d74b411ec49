// Package router decides, per request, whether the fast path can answer or the
// full plan/execute/validate pipeline is required.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	"TaskPilot/internal/fastpath"
	"TaskPilot/internal/llm"
	"TaskPilot/pkg/logger"
)

// Mode 是执行模式。
type Mode string

const (
	ModeFastPath     Mode = "fast_path"
	ModeFullPipeline Mode = "full_pipeline"
)

// Valid 判断模式是否合法。
func (m Mode) Valid() bool {
	return m == ModeFastPath || m == ModeFullPipeline
}

// Source 说明路由结论的来源。
type Source string

const (
	SourceHeuristic  Source = "heuristic"
	SourceModel      Source = "model"
	SourceEscalation Source = "escalation"
	SourceDefault    Source = "default"
)

// Decision 是一次路由结论。
type Decision struct {
	Mode       Mode                       `json:"mode"`
	Reason     string                     `json:"reason"`
	Source     Source                     `json:"source"`
	Escalation *fastpath.EscalationSignal `json:"escalation,omitempty"`
}

// Config 是启发式阈值与模型分类参数。
type Config struct {
	// FastMaxWords 以内的单一查询可以走快速路径。
	FastMaxWords int
	// PipelineMinWords 以上的请求直接走完整流水线。
	PipelineMinWords int
	ModelTimeout     time.Duration
	// SkipModel 为 true 时，模糊请求直接走完整流水线。
	SkipModel bool
}

// DefaultConfig 返回默认阈值。
func DefaultConfig() Config {
	return Config{
		FastMaxWords:     25,
		PipelineMinWords: 60,
		ModelTimeout:     15 * time.Second,
	}
}

// Request 是路由输入。
type Request struct {
	Query      string
	History    []llm.Message
	Escalation *fastpath.EscalationSignal
}

// Router 对请求进行分类，只产生路由结论，不修改任何计划状态。
type Router struct {
	client llm.Client
	engine *compress.Engine
	cfg    Config
	logger *slog.Logger
}

// Option 自定义路由器。
type Option func(*Router)

// WithConfig 覆盖默认配置，零值字段保持默认。
func WithConfig(cfg Config) Option {
	return func(r *Router) {
		if cfg.FastMaxWords > 0 {
			r.cfg.FastMaxWords = cfg.FastMaxWords
		}
		if cfg.PipelineMinWords > 0 {
			r.cfg.PipelineMinWords = cfg.PipelineMinWords
		}
		if cfg.ModelTimeout > 0 {
			r.cfg.ModelTimeout = cfg.ModelTimeout
		}
		r.cfg.SkipModel = cfg.SkipModel
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.logger = log
		}
	}
}

// New 创建路由器；client 为空时模糊请求一律走完整流水线。
func New(client llm.Client, engine *compress.Engine, opts ...Option) *Router {
	r := &Router{
		client: client,
		engine: engine,
		cfg:    DefaultConfig(),
		logger: logger.Named("router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Route 返回路由结论。只有上下文取消时返回 error。
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	// 升级是单向的：同一请求内不会回到快速路径。
	if req.Escalation != nil {
		return r.decide(Decision{
			Mode:       ModeFullPipeline,
			Reason:     fmt.Sprintf("fast path escalated: %s", req.Escalation.Reason),
			Source:     SourceEscalation,
			Escalation: req.Escalation,
		}), nil
	}

	if mode, reason, ok := Classify(req.Query, r.cfg); ok {
		return r.decide(Decision{Mode: mode, Reason: reason, Source: SourceHeuristic}), nil
	}

	if r.client == nil || r.cfg.SkipModel {
		return r.decide(Decision{Mode: ModeFullPipeline, Reason: "ambiguous request", Source: SourceDefault}), nil
	}

	decision, err := r.classifyWithModel(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		r.logger.Warn("模型分类失败，使用完整流水线", slog.Any("error", err))
		return r.decide(Decision{Mode: ModeFullPipeline, Reason: "ambiguous request, classifier unavailable", Source: SourceDefault}), nil
	}
	return r.decide(decision), nil
}

func (r *Router) decide(d Decision) Decision {
	r.logger.Debug("路由结论",
		slog.String("mode", string(d.Mode)),
		slog.String("source", string(d.Source)),
		slog.String("reason", d.Reason))
	return d
}

const classifierPrompt = "Classify the user's request. Reply with JSON only: " +
	`{"mode":"fast_path"|"full_pipeline","reason":"<short reason>"}. ` +
	"Use fast_path for a direct answer or a single lookup. " +
	"Use full_pipeline when the request needs research, several steps or a structured report."

type modelVerdict struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`
}

func (r *Router) classifyWithModel(ctx context.Context, req Request) (Decision, error) {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, r.engine.NewMessage(llm.RoleSystem, llm.KindControl, "router", classifierPrompt))
	msgs = append(msgs, req.History...)
	msgs = append(msgs, r.engine.NewMessage(llm.RoleUser, llm.KindQuery, "user", req.Query))

	compressed, err := r.engine.Compress(ctx, budget.KindRouter, msgs)
	if err != nil {
		return Decision{}, err
	}
	if compressed.Infeasible {
		return Decision{Mode: ModeFullPipeline, Reason: "request exceeds router budget", Source: SourceDefault}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
	defer cancel()
	resp, err := r.client.Generate(callCtx, llm.Request{
		Messages:  compressed.Messages(),
		MaxTokens: 128,
		JSON:      true,
	})
	if err != nil {
		return Decision{}, err
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text)), &verdict); err != nil {
		return Decision{}, fmt.Errorf("解析分类结果失败: %w", err)
	}
	if !verdict.Mode.Valid() {
		return Decision{}, fmt.Errorf("未知的执行模式 %q", verdict.Mode)
	}
	reason := strings.TrimSpace(verdict.Reason)
	if reason == "" {
		reason = "model classification"
	}
	return Decision{Mode: verdict.Mode, Reason: reason, Source: SourceModel}, nil
}
