package compress

import (
	"context"
	"fmt"

	"TaskPilot/internal/llm"
	"TaskPilot/internal/tokenizer"
)

// 压缩策略名称。
const (
	StrategyTruncate     = "truncate"
	StrategyHierarchical = "hierarchical"
	StrategyImportance   = "importance"
)

// Strategy 把消息序列压缩到给定上限之内。
//
// 实现必须满足：保留消息与摘要的 token 之和不超过 limit；放不下最小表示时返回 Infeasible。
type Strategy interface {
	Name() string
	Compress(ctx context.Context, msgs []llm.Message, limit int) (Result, error)
}

// Result 是一次压缩的产物，只在当前请求内使用。
type Result struct {
	Strategy       string
	Kept           []llm.Message
	Summary        string
	SummaryTokens  int
	OriginalCount  int
	KeptCount      int
	Limit          int
	Tokens         int
	Infeasible     bool
	RequiredTokens int
	// Degraded 表示摘要失败后退化为截断。
	Degraded bool
}

// Compressed 判断结果是否与输入不同。
func (r Result) Compressed() bool {
	return r.Summary != "" || r.KeptCount != r.OriginalCount
}

// Messages 返回可直接发送给模型的消息序列，摘要紧跟在控制消息之后。
func (r Result) Messages() []llm.Message {
	if r.Summary == "" {
		return append([]llm.Message(nil), r.Kept...)
	}
	out := make([]llm.Message, 0, len(r.Kept)+1)
	idx := 0
	for idx < len(r.Kept) && r.Kept[idx].Pinned() {
		out = append(out, r.Kept[idx])
		idx++
	}
	out = append(out, r.summaryMessage())
	return append(out, r.Kept[idx:]...)
}

func (r Result) summaryMessage() llm.Message {
	return llm.Message{
		Role:       llm.RoleSystem,
		Kind:       llm.KindSummary,
		Origin:     r.Strategy,
		Content:    r.Summary,
		Tokens:     r.SummaryTokens,
		Importance: StaticImportance(llm.KindSummary, r.SummaryTokens),
	}
}

// InfeasibleError 描述最小表示也无法放入上限的情况。
type InfeasibleError struct {
	Required int
	Limit    int
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("最小上下文需要 %d tokens，超过上限 %d", e.Required, e.Limit)
}

// base 提供各策略共享的前置处理。
type base struct {
	counter *tokenizer.Counter
}

// prepare 处理无需压缩与不可行两种情况；done 为 true 时直接返回 res。
func (b base) prepare(name string, msgs []llm.Message, limit int) (pinned map[int]bool, pinnedTokens int, res Result, done bool) {
	total := totalTokens(b.counter, msgs)
	res = Result{Strategy: name, OriginalCount: len(msgs), Limit: limit}
	if total <= limit {
		res.Kept = append([]llm.Message(nil), msgs...)
		res.KeptCount = len(msgs)
		res.Tokens = total
		return nil, 0, res, true
	}

	pinned = pinnedIndexes(msgs)
	for idx := range pinned {
		pinnedTokens += tokensOf(b.counter, msgs[idx])
	}
	if pinnedTokens > limit {
		res.Infeasible = true
		res.RequiredTokens = pinnedTokens
		return nil, 0, res, true
	}
	return pinned, pinnedTokens, res, false
}

// pinnedIndexes 返回永不丢弃的消息：控制消息与最新的用户请求。
func pinnedIndexes(msgs []llm.Message) map[int]bool {
	pinned := make(map[int]bool)
	lastQuery := -1
	for idx, msg := range msgs {
		if msg.Pinned() {
			pinned[idx] = true
		}
		if msg.Role == llm.RoleUser && (msg.Kind == "" || msg.Kind == llm.KindQuery) {
			lastQuery = idx
		}
	}
	if lastQuery >= 0 {
		pinned[lastQuery] = true
	}
	return pinned
}

func unpinned(msgs []llm.Message, pinned map[int]bool) []int {
	rest := make([]int, 0, len(msgs))
	for idx := range msgs {
		if !pinned[idx] {
			rest = append(rest, idx)
		}
	}
	return rest
}

// fillRecent 从最新的消息向前保留，直到预算用尽。
func (b base) fillRecent(msgs []llm.Message, candidates []int, budget int) (keep map[int]bool, used int) {
	keep = make(map[int]bool)
	for i := len(candidates) - 1; i >= 0; i-- {
		tokens := tokensOf(b.counter, msgs[candidates[i]])
		if used+tokens > budget {
			break
		}
		keep[candidates[i]] = true
		used += tokens
	}
	return keep, used
}

// finish 按原始顺序组装结果，并把摘要裁剪到剩余预算内。
func (b base) finish(res Result, msgs []llm.Message, keep map[int]bool, used int, summary string) Result {
	for idx, msg := range msgs {
		if keep[idx] {
			res.Kept = append(res.Kept, msg)
		}
	}
	res.KeptCount = len(res.Kept)
	res.Tokens = used
	if summary != "" {
		left := res.Limit - used - tokenizer.MessageOverhead
		summary = trimContent(b.counter, summary, left)
		if summary != "" {
			res.Summary = summary
			res.SummaryTokens = b.counter.Message(summary)
			res.Tokens += res.SummaryTokens
		}
	}
	return res
}
