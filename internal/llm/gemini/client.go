// Package gemini adapts Google's Gemini models to the llm.Client boundary.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"TaskPilot/internal/llm"
)

const (
	defaultModelName = "gemini-2.0-flash"
	defaultTimeout   = 60 * time.Second
)

// Config 描述 Gemini 客户端配置。
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client 通过 genai SDK 调用 Gemini。
type Client struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	return &Client{client: client, model: model, timeout: timeout}, nil
}

// Model 返回客户端使用的模型名称。
func (c *Client) Model() string { return c.model }

// Generate 调用 Gemini 生成回复或函数调用。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	system, contents := toContents(req.Messages)
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(req.Temperature)),
		Tools:             toTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON && len(req.Tools) == 0 {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	return fromResponse(resp)
}

func fromResponse(resp *genai.GenerateContentResponse) (*llm.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("Gemini 响应中没有候选结果")
	}

	out := &llm.Response{Text: strings.TrimSpace(resp.Text())}
	for idx, call := range resp.FunctionCalls() {
		args, err := json.Marshal(call.Args)
		if err != nil {
			return nil, fmt.Errorf("序列化函数参数失败: %w", err)
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", call.Name, idx)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: call.Name, Arguments: args})
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
		}
	}
	out.FinishReason = llm.NormalizeFinishReason(string(resp.Candidates[0].FinishReason), len(out.ToolCalls) > 0)
	return out, nil
}

// toContents 将消息转换为 Gemini 的内容序列，system 消息合并为 SystemInstruction。
func toContents(messages []llm.Message) (*genai.Content, []*genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range llm.PairToolMessages(messages) {
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if strings.TrimSpace(msg.Content) != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal(call.Arguments, &args)
				parts = append(parts, genai.NewPartFromFunctionCall(call.Name, args))
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case llm.RoleTool:
			name := msg.Name
			if name == "" {
				name = "tool"
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromFunctionResponse(name, map[string]any{"output": msg.Content})},
			})
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	if len(systemParts) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser), contents
}

func toTools(schemas []llm.ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, schema := range schemas {
		decl := &genai.FunctionDeclaration{Name: schema.Name, Description: schema.Description}
		if len(schema.Parameters) > 0 {
			var params any
			if err := json.Unmarshal(schema.Parameters, &params); err == nil {
				decl.ParametersJsonSchema = params
			}
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
