package compress

import (
	"strings"

	"TaskPilot/internal/llm"
	"TaskPilot/internal/tokenizer"
)

// VerboseObservationTokens 超过该长度的工具输出被视为冗长输出。
const VerboseObservationTokens = 512

// StaticImportance 返回消息在创建时的静态重要性。
func StaticImportance(kind llm.MessageKind, tokens int) float64 {
	switch kind {
	case llm.KindQuery, llm.KindError, llm.KindFinal, llm.KindControl:
		return 1.0
	case llm.KindSummary:
		return 0.6
	case llm.KindObservation:
		if tokens > VerboseObservationTokens {
			return 0.1
		}
		return 0.3
	default:
		return 0.5
	}
}

// DefaultKind 根据角色推断消息类别。
func DefaultKind(role llm.Role) llm.MessageKind {
	switch role {
	case llm.RoleSystem:
		return llm.KindControl
	case llm.RoleUser:
		return llm.KindQuery
	case llm.RoleTool:
		return llm.KindObservation
	default:
		return llm.KindReasoning
	}
}

// newMessage 构造带 token 数与重要性的消息。
func newMessage(counter *tokenizer.Counter, role llm.Role, kind llm.MessageKind, origin, content string) llm.Message {
	if kind == "" {
		kind = DefaultKind(role)
	}
	tokens := counter.Message(content)
	return llm.Message{
		Role:       role,
		Kind:       kind,
		Origin:     origin,
		Content:    content,
		Tokens:     tokens,
		Importance: StaticImportance(kind, tokens),
	}
}

func tokensOf(counter *tokenizer.Counter, msg llm.Message) int {
	if msg.Tokens > 0 {
		return msg.Tokens
	}
	tokens := counter.Message(msg.Content)
	for _, call := range msg.ToolCalls {
		tokens += counter.Count(call.Name) + counter.Count(string(call.Arguments))
	}
	return tokens
}

func totalTokens(counter *tokenizer.Counter, msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += tokensOf(counter, msg)
	}
	return total
}

// trimContent 截断文本，使其 token 数不超过 maxTokens。
func trimContent(counter *tokenizer.Counter, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if counter.Count(text) <= maxTokens {
		return text
	}
	const marker = " …[truncated]"
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(runes[:mid])+marker) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for lo > 0 && counter.Count(string(runes[:lo])+marker) > maxTokens {
		lo--
	}
	if lo == 0 {
		return ""
	}
	return strings.TrimSpace(string(runes[:lo])) + marker
}

// render 把消息序列展开为摘要模型可读的纯文本。
func render(msgs []llm.Message) string {
	var builder strings.Builder
	for _, msg := range msgs {
		builder.WriteString(string(msg.Role))
		if msg.Name != "" {
			builder.WriteString("(" + msg.Name + ")")
		}
		builder.WriteString(": ")
		builder.WriteString(msg.Content)
		for _, call := range msg.ToolCalls {
			builder.WriteString(" [call " + call.Name + " " + string(call.Arguments) + "]")
		}
		builder.WriteString("\n")
	}
	return builder.String()
}
