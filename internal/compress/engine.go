// Package compress keeps message histories inside per-agent token ceilings.
//
// The Engine builds messages with their token count and static importance,
// and compresses a sequence for an agent kind using that kind's strategy and
// the ceiling derived from the budget table.
package compress

import (
	"context"
	"fmt"
	"log/slog"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/pkg/logger"
)

// Observer 在每次压缩后被调用，用于指标统计。
type Observer func(kind budget.AgentKind, res Result)

// Engine 负责 token 统计与上下文压缩，可被多个请求共享。
type Engine struct {
	counter    *tokenizer.Counter
	table      *budget.Table
	strategies map[budget.AgentKind]Strategy
	fallback   Strategy
	observer   Observer
	logger     *slog.Logger
}

// Option 自定义引擎行为。
type Option func(*Engine)

// WithStrategy 为某类组件指定压缩策略。
func WithStrategy(kind budget.AgentKind, strategy Strategy) Option {
	return func(e *Engine) {
		if strategy != nil {
			e.strategies[kind] = strategy
		}
	}
}

// WithObserver 注册压缩观察者。
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.logger = log
		}
	}
}

// NewEngine 创建压缩引擎，未指定策略的组件使用截断。
func NewEngine(counter *tokenizer.Counter, table *budget.Table, opts ...Option) *Engine {
	if counter == nil {
		counter = tokenizer.Heuristic()
	}
	e := &Engine{
		counter:    counter,
		table:      table,
		strategies: make(map[budget.AgentKind]Strategy),
		fallback:   NewTruncate(counter, 0),
		logger:     logger.Named("compress"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Counter 返回引擎使用的计数器。
func (e *Engine) Counter() *tokenizer.Counter { return e.counter }

// Limit 返回某类组件当前的 token 上限。
func (e *Engine) Limit(kind budget.AgentKind) int { return e.table.Limit(kind) }

// NewMessage 创建消息并填充 token 数与静态重要性。
func (e *Engine) NewMessage(role llm.Role, kind llm.MessageKind, origin, content string) llm.Message {
	return newMessage(e.counter, role, kind, origin, content)
}

// NewToolCallMessage 创建携带工具调用的助手消息。
func (e *Engine) NewToolCallMessage(origin, content string, calls []llm.ToolCall) llm.Message {
	msg := newMessage(e.counter, llm.RoleAssistant, llm.KindReasoning, origin, content)
	msg.ToolCalls = append([]llm.ToolCall(nil), calls...)
	msg.Tokens = 0
	msg.Tokens = tokensOf(e.counter, msg)
	return msg
}

// NewObservation 创建工具输出消息。
func (e *Engine) NewObservation(origin, toolName, callID, content string) llm.Message {
	msg := newMessage(e.counter, llm.RoleTool, llm.KindObservation, origin, content)
	msg.Name = toolName
	msg.ToolCallID = callID
	return msg
}

// Count 返回消息序列的 token 总数。
func (e *Engine) Count(msgs []llm.Message) int { return totalTokens(e.counter, msgs) }

// CountText 返回文本的 token 数。
func (e *Engine) CountText(text string) int { return e.counter.Count(text) }

// Trim 把文本截断到 maxTokens 以内。
func (e *Engine) Trim(text string, maxTokens int) string {
	return trimContent(e.counter, text, maxTokens)
}

// Strategy 返回某类组件使用的策略。
func (e *Engine) Strategy(kind budget.AgentKind) Strategy {
	if strategy, ok := e.strategies[kind]; ok {
		return strategy
	}
	return e.fallback
}

// Compress 按组件的预算压缩消息序列。
func (e *Engine) Compress(ctx context.Context, kind budget.AgentKind, msgs []llm.Message) (Result, error) {
	return e.CompressTo(ctx, kind, msgs, e.Limit(kind))
}

// CompressTo 使用组件的策略压缩到指定上限。
func (e *Engine) CompressTo(ctx context.Context, kind budget.AgentKind, msgs []llm.Message, limit int) (Result, error) {
	strategy := e.Strategy(kind)
	res, err := strategy.Compress(ctx, msgs, limit)
	if err != nil {
		return Result{}, fmt.Errorf("压缩上下文失败(%s): %w", strategy.Name(), err)
	}
	if res.Compressed() || res.Infeasible {
		e.logger.Debug("上下文已压缩",
			slog.String("agent_kind", string(kind)),
			slog.String("strategy", res.Strategy),
			slog.Int("original", res.OriginalCount),
			slog.Int("kept", res.KeptCount),
			slog.Int("tokens", res.Tokens),
			slog.Int("limit", res.Limit),
			slog.Bool("infeasible", res.Infeasible))
	}
	if e.observer != nil {
		e.observer(kind, res)
	}
	return res, nil
}

// Config 描述构建引擎所需的策略参数。
type Config struct {
	Strategies map[budget.AgentKind]string
	KeepLast   int
	ChunkSize  int
	Importance ImportancePolicy
}

// StrategiesFromConfig 根据名称构建各组件的策略。
func StrategiesFromConfig(counter *tokenizer.Counter, summarizer Summarizer, cfg Config) ([]Option, error) {
	opts := make([]Option, 0, len(cfg.Strategies))
	for kind, name := range cfg.Strategies {
		var strategy Strategy
		switch name {
		case StrategyTruncate:
			strategy = NewTruncate(counter, cfg.KeepLast)
		case StrategyHierarchical:
			strategy = NewHierarchical(counter, summarizer, cfg.ChunkSize, cfg.KeepLast)
		case StrategyImportance:
			policy := cfg.Importance
			if policy.ChunkSize <= 0 {
				policy.ChunkSize = cfg.ChunkSize
			}
			strategy = NewImportance(counter, summarizer, policy)
		default:
			return nil, fmt.Errorf("未知的压缩策略 %q", name)
		}
		opts = append(opts, WithStrategy(kind, strategy))
	}
	return opts, nil
}
