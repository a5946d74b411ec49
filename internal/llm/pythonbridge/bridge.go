package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"TaskPilot/internal/llm"
)

// Client 通过调用外部 Python 脚本实现模型推理。
//
// 脚本从 stdin 读取 JSON 请求，向 stdout 写出 JSON 响应：
//
//	{"text": "...", "tool_calls": [{"id","name","arguments"}], "finish_reason": "stop", "usage": {...}}
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeRequest struct {
	Messages  []llm.Message    `json:"messages"`
	Tools     []llm.ToolSchema `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	JSON      bool             `json:"json,omitempty"`
}

type bridgeResponse struct {
	Text         string         `json:"text"`
	ToolCalls    []llm.ToolCall `json:"tool_calls"`
	FinishReason string         `json:"finish_reason"`
	Usage        llm.Usage      `json:"usage"`
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		Messages:  req.Messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
		JSON:      req.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}

	return &llm.Response{
		Text:         strings.TrimSpace(resp.Text),
		ToolCalls:    resp.ToolCalls,
		Usage:        resp.Usage,
		FinishReason: llm.NormalizeFinishReason(resp.FinishReason, len(resp.ToolCalls) > 0),
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
