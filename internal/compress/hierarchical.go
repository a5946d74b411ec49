package compress

import (
	"context"
	"log/slog"
	"strings"

	"TaskPilot/internal/llm"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/pkg/logger"
)

// Hierarchical 把较早的消息分块摘要，保留最近 K 条原文。
type Hierarchical struct {
	base
	summarizer Summarizer
	chunkSize  int
	keepLast   int
	fallback   *Truncate
	logger     *slog.Logger
}

// NewHierarchical 创建分层摘要策略。
func NewHierarchical(counter *tokenizer.Counter, summarizer Summarizer, chunkSize, keepLast int) *Hierarchical {
	if chunkSize <= 0 {
		chunkSize = 8
	}
	if keepLast <= 0 {
		keepLast = 6
	}
	return &Hierarchical{
		base:       base{counter: counter},
		summarizer: summarizer,
		chunkSize:  chunkSize,
		keepLast:   keepLast,
		fallback:   NewTruncate(counter, keepLast),
		logger:     logger.Named("compress"),
	}
}

// Name 实现 Strategy。
func (h *Hierarchical) Name() string { return StrategyHierarchical }

// Compress 实现 Strategy。
func (h *Hierarchical) Compress(ctx context.Context, msgs []llm.Message, limit int) (Result, error) {
	pinned, pinnedTokens, res, done := h.prepare(StrategyHierarchical, msgs, limit)
	if done {
		return res, nil
	}

	rest := unpinned(msgs, pinned)
	split := len(rest) - h.keepLast
	if split < 0 {
		split = 0
	}
	older, recent := rest[:split], rest[split:]

	var summary string
	if len(older) > 0 && h.summarizer != nil {
		summaries, err := summarizeChunks(ctx, h.summarizer, chunkMessages(msgs, older, h.chunkSize))
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			h.logger.Warn("分块摘要失败，退化为截断", slog.Any("error", err))
			degraded := h.fallback.truncate(res, msgs, pinned, pinnedTokens)
			degraded.Degraded = true
			return degraded, nil
		}
		summary = strings.Join(summaries, "\n")
	}

	keep, used := h.fillRecent(msgs, recent, limit-pinnedTokens)
	for idx := range pinned {
		keep[idx] = true
	}
	return h.finish(res, msgs, keep, used+pinnedTokens, summary), nil
}
