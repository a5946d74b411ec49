// Package tools holds the closed set of tools the orchestrator may invoke.
// Every invocation is bounded by a timeout and reports failures through the
// shared error codes.
package tools

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

// 内置工具名称。
const (
	NameWebSearch    = "web_search"
	NameProjectQuery = "project_query"
)

const defaultTimeout = 20 * time.Second

// Tool 是一个可被模型调用的外部能力，实现必须可安全重试。
type Tool interface {
	Schema() llm.ToolSchema
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry 按名称保存工具。
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
}

// NewRegistry 创建工具注册表，timeout<=0 时使用默认值。
func NewRegistry(timeout time.Duration, tools ...Tool) *Registry {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Registry{tools: make(map[string]Tool, len(tools)), timeout: timeout}
	for _, tool := range tools {
		r.Register(tool)
	}
	return r
}

// Register 注册或替换工具。
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Schema().Name] = tool
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Schemas 返回指定工具的描述；names 为空时返回全部，按名称排序。
func (r *Registry) Schemas(names ...string) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			schemas = append(schemas, tool.Schema())
		}
	}
	return schemas
}

// Invoke 在超时约束下执行一次工具调用。
//
// 未注册的工具与非法参数返回 FORMAT_ERROR，超时返回 TIMEOUT，其余失败返回 TOOL_EXECUTION_FAILED。
func (r *Registry) Invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(call.Name) == "" {
		return "", xerrors.New(xerrors.CodeFormat, "工具调用缺少名称")
	}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", xerrors.New(xerrors.CodeFormat, fmt.Sprintf("未注册的工具 %q", call.Name))
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return "", xerrors.New(xerrors.CodeFormat, fmt.Sprintf("工具 %s 的参数不是合法 JSON", call.Name))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	output, err := tool.Invoke(callCtx, args)
	if err == nil {
		return output, nil
	}
	switch {
	case ctx.Err() != nil:
		return "", ctx.Err()
	case stdErrors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("工具 %s 执行超时", call.Name))
	case xerrors.CodeOf(err) == xerrors.CodeFormat:
		return "", err
	default:
		return "", xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("工具 %s 执行失败", call.Name))
	}
}

// decodeArgs 解析工具参数，失败时返回 FORMAT_ERROR。
func decodeArgs(name string, raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeFormat, err, fmt.Sprintf("解析工具 %s 参数失败", name))
	}
	return nil
}

func querySchema(description string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"query":{"type":"string","description":%q}},"required":["query"]}`, description))
}
