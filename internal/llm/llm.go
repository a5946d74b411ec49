package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role 表示消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageKind 描述消息的语义类别，压缩引擎据此给出静态重要性。
type MessageKind string

const (
	KindControl     MessageKind = "control"
	KindQuery       MessageKind = "query"
	KindReasoning   MessageKind = "reasoning"
	KindObservation MessageKind = "observation"
	KindError       MessageKind = "error"
	KindFinal       MessageKind = "final"
	KindSummary     MessageKind = "summary"
)

// Message 是发送给大模型的一条上下文消息。
//
// Message 创建后不应再被修改；Tokens 与 Importance 在创建时由压缩引擎填充。
type Message struct {
	Role       Role        `json:"role"`
	Kind       MessageKind `json:"kind,omitempty"`
	Origin     string      `json:"origin,omitempty"`
	Content    string      `json:"content"`
	Name       string      `json:"name,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	Tokens     int         `json:"tokens,omitempty"`
	Importance float64     `json:"importance,omitempty"`
}

// Pinned 判断消息是否属于控制类消息，压缩时永远保留。
func (m Message) Pinned() bool {
	return m.Role == RoleSystem && m.Kind != KindSummary
}

// ToolSchema 描述一个可供模型调用的工具。
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall 是模型请求执行的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Request 描述一次模型调用。
type Request struct {
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
	// JSON 要求模型输出单个 JSON 对象。
	JSON bool
}

// FinishReason 表示模型输出结束的原因，调用完成后必定被填充。
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Usage 记录一次调用消耗的 token。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total 返回总 token 数。
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason FinishReason
}

// HasToolCalls 判断模型是否请求了工具调用。
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// NormalizeFinishReason 将各家供应商的结束原因映射为统一取值。
func NormalizeFinishReason(raw string, hasToolCalls bool) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "length", "max_tokens":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "", "stop", "end_turn":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	default:
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	}
}

// ExtractJSON 从模型输出中截取 JSON 对象，兼容 ```json 代码块。
func ExtractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```JSON")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return trimmed
	}
	return trimmed[start : end+1]
}

// PairToolMessages 修复压缩后可能出现的工具消息断链：
// 找不到对应调用的工具结果转为普通用户消息，没有结果的工具调用被移除。
func PairToolMessages(msgs []Message) []Message {
	answered := make(map[string]bool)
	for _, msg := range msgs {
		if msg.Role == RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	out := make([]Message, 0, len(msgs))
	issued := make(map[string]bool)
	for _, msg := range msgs {
		switch {
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			calls := make([]ToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if answered[call.ID] {
					calls = append(calls, call)
					issued[call.ID] = true
				}
			}
			msg.ToolCalls = calls
			if len(calls) == 0 && strings.TrimSpace(msg.Content) == "" {
				continue
			}
		case msg.Role == RoleTool && !issued[msg.ToolCallID]:
			name := msg.Name
			if name == "" {
				name = "tool"
			}
			msg.Role = RoleUser
			msg.Content = fmt.Sprintf("[%s output] %s", name, msg.Content)
			msg.ToolCallID = ""
		}
		out = append(out, msg)
	}
	return out
}
