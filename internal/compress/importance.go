package compress

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"TaskPilot/internal/llm"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/pkg/logger"
)

// ImportancePolicy 是重要性加权策略的可调参数。
type ImportancePolicy struct {
	High          float64
	Low           float64
	RecencyWindow int
	RecencyBonus  float64
	ChunkSize     int
}

// DefaultImportancePolicy 返回默认阈值。
func DefaultImportancePolicy() ImportancePolicy {
	return ImportancePolicy{High: 0.7, Low: 0.4, RecencyWindow: 6, RecencyBonus: 0.3, ChunkSize: 8}
}

// Importance 按分数保留、摘要或丢弃消息。
type Importance struct {
	base
	summarizer Summarizer
	policy     ImportancePolicy
	logger     *slog.Logger
}

// NewImportance 创建重要性加权策略；summarizer 为空时中间档直接丢弃。
func NewImportance(counter *tokenizer.Counter, summarizer Summarizer, policy ImportancePolicy) *Importance {
	defaults := DefaultImportancePolicy()
	if policy.High <= 0 {
		policy.High = defaults.High
	}
	if policy.Low < 0 || policy.Low >= policy.High {
		policy.Low = defaults.Low
	}
	if policy.RecencyWindow <= 0 {
		policy.RecencyWindow = defaults.RecencyWindow
	}
	if policy.ChunkSize <= 0 {
		policy.ChunkSize = defaults.ChunkSize
	}
	return &Importance{
		base:       base{counter: counter},
		summarizer: summarizer,
		policy:     policy,
		logger:     logger.Named("compress"),
	}
}

// Name 实现 Strategy。
func (s *Importance) Name() string { return StrategyImportance }

// Score 返回消息在序列中的最终分数：静态重要性加上线性的近期加成。
func (s *Importance) Score(msgs []llm.Message, idx int) float64 {
	msg := msgs[idx]
	score := msg.Importance
	if score <= 0 {
		score = StaticImportance(kindOf(msg), tokensOf(s.counter, msg))
	}
	distance := len(msgs) - 1 - idx
	if distance < s.policy.RecencyWindow {
		score += s.policy.RecencyBonus * float64(s.policy.RecencyWindow-distance) / float64(s.policy.RecencyWindow)
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Compress 实现 Strategy。
func (s *Importance) Compress(ctx context.Context, msgs []llm.Message, limit int) (Result, error) {
	pinned, pinnedTokens, res, done := s.prepare(StrategyImportance, msgs, limit)
	if done {
		return res, nil
	}

	scores := make(map[int]float64)
	var verbatim, middle []int
	for _, idx := range unpinned(msgs, pinned) {
		score := s.Score(msgs, idx)
		scores[idx] = score
		switch {
		case score >= s.policy.High:
			verbatim = append(verbatim, idx)
		case score >= s.policy.Low:
			middle = append(middle, idx)
		}
	}

	var summary string
	if len(middle) > 0 && s.summarizer != nil {
		summaries, err := summarizeChunks(ctx, s.summarizer, chunkMessages(msgs, middle, s.policy.ChunkSize))
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			s.logger.Warn("中间档摘要失败，直接丢弃", slog.Any("error", err))
			res.Degraded = true
		} else {
			summary = strings.Join(summaries, "\n")
		}
	}

	// 先按分数从低到高（同分先旧）丢弃原文，再裁剪摘要。
	sort.SliceStable(verbatim, func(i, j int) bool {
		if scores[verbatim[i]] != scores[verbatim[j]] {
			return scores[verbatim[i]] < scores[verbatim[j]]
		}
		return verbatim[i] < verbatim[j]
	})
	budget := limit - pinnedTokens
	used := 0
	for _, idx := range verbatim {
		used += tokensOf(s.counter, msgs[idx])
	}
	summaryTokens := 0
	if summary != "" {
		summaryTokens = s.counter.Message(summary)
	}
	for len(verbatim) > 0 && used+summaryTokens > budget {
		used -= tokensOf(s.counter, msgs[verbatim[0]])
		verbatim = verbatim[1:]
	}

	keep := make(map[int]bool, len(pinned)+len(verbatim))
	for idx := range pinned {
		keep[idx] = true
	}
	for _, idx := range verbatim {
		keep[idx] = true
	}
	return s.finish(res, msgs, keep, used+pinnedTokens, summary), nil
}

func kindOf(msg llm.Message) llm.MessageKind {
	if msg.Kind != "" {
		return msg.Kind
	}
	return DefaultKind(msg.Role)
}
