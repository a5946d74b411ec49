package compress

import (
	"context"

	"TaskPilot/internal/llm"
	"TaskPilot/internal/tokenizer"
)

// Truncate 保留控制消息与最近 K 条消息，其余丢弃。
type Truncate struct {
	base
	keepLast int
}

// NewTruncate 创建截断策略，keepLast<=0 时不限制条数，只受预算约束。
func NewTruncate(counter *tokenizer.Counter, keepLast int) *Truncate {
	return &Truncate{base: base{counter: counter}, keepLast: keepLast}
}

// Name 实现 Strategy。
func (t *Truncate) Name() string { return StrategyTruncate }

// Compress 实现 Strategy。
func (t *Truncate) Compress(_ context.Context, msgs []llm.Message, limit int) (Result, error) {
	pinned, pinnedTokens, res, done := t.prepare(StrategyTruncate, msgs, limit)
	if done {
		return res, nil
	}
	return t.truncate(res, msgs, pinned, pinnedTokens), nil
}

func (t *Truncate) truncate(res Result, msgs []llm.Message, pinned map[int]bool, pinnedTokens int) Result {
	candidates := unpinned(msgs, pinned)
	if t.keepLast > 0 && len(candidates) > t.keepLast {
		candidates = candidates[len(candidates)-t.keepLast:]
	}
	keep, used := t.fillRecent(msgs, candidates, res.Limit-pinnedTokens)
	for idx := range pinned {
		keep[idx] = true
	}
	return t.finish(res, msgs, keep, used+pinnedTokens, "")
}
