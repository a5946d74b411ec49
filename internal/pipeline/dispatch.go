package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/tools"
)

// StepInput 是处理器执行一个步骤所需的全部信息。
type StepInput struct {
	Query     string
	PlanTitle string
	Index     int
	Total     int
	Step      Step
	// Prior 是之前已被接受的步骤。
	Prior []Step
	// Feedback 是该步骤上一次失败的反思，没有时为空。
	Feedback *Reflection
}

// Handler 执行某一类步骤，返回草稿结果，不修改计划。
type Handler interface {
	Execute(ctx context.Context, in StepInput) (string, error)
}

// HandlerFunc 把函数适配为 Handler。
type HandlerFunc func(ctx context.Context, in StepInput) (string, error)

// Execute 实现 Handler。
func (f HandlerFunc) Execute(ctx context.Context, in StepInput) (string, error) { return f(ctx, in) }

// Dispatcher 是步骤类型到处理器的显式分派表。
type Dispatcher struct {
	handlers map[StepKind]Handler
}

// NewDispatcher 创建分派表，必须覆盖所有步骤类型。
func NewDispatcher(handlers map[StepKind]Handler) (*Dispatcher, error) {
	table := make(map[StepKind]Handler, len(handlers))
	for _, kind := range StepKinds() {
		handler, ok := handlers[kind]
		if !ok || handler == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("缺少步骤类型 %s 的处理器", kind))
		}
		table[kind] = handler
	}
	for kind := range handlers {
		if _, err := ParseStepKind(string(kind)); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "分派表包含未知步骤类型")
		}
	}
	return &Dispatcher{handlers: table}, nil
}

// Dispatch 执行步骤并返回草稿结果。
func (d *Dispatcher) Dispatch(ctx context.Context, in StepInput) (string, error) {
	handler, ok := d.handlers[in.Step.Kind]
	if !ok {
		return "", xerrors.New(xerrors.CodePlanValidation, fmt.Sprintf("未知的步骤类型 %q", in.Step.Kind))
	}
	return handler.Execute(ctx, in)
}

var stepPrompts = map[StepKind]string{
	KindResearch: "You execute one research step of a plan. Use the web search tool to gather facts, " +
		"then reply with a concise, sourced finding for this step only.",
	KindDomainQuery: "You execute one project-data step of a plan. Query the project records with the tool, " +
		"then reply with the relevant records and what they show for this step only.",
	KindProcessing: "You execute one processing step of a plan. Reason over the completed step results " +
		"and reply with the output of this step only.",
}

// ModelHandler 以模型加可选工具执行步骤，工具调用轮数有上限。
type ModelHandler struct {
	client    llm.Client
	engine    *compress.Engine
	tools     *tools.Registry
	kind      StepKind
	toolName  string
	maxRounds int
	timeout   time.Duration
	logger    *slog.Logger
}

var _ Handler = (*ModelHandler)(nil)

// NewModelHandler 创建步骤处理器；toolName 为空表示只调用模型。
func NewModelHandler(kind StepKind, client llm.Client, engine *compress.Engine, registry *tools.Registry, toolName string, maxRounds int, timeout time.Duration, log *slog.Logger) *ModelHandler {
	if maxRounds <= 0 {
		maxRounds = 4
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ModelHandler{
		client:    client,
		engine:    engine,
		tools:     registry,
		kind:      kind,
		toolName:  toolName,
		maxRounds: maxRounds,
		timeout:   timeout,
		logger:    log,
	}
}

// Execute 实现 Handler。
func (h *ModelHandler) Execute(ctx context.Context, in StepInput) (string, error) {
	msgs := h.initialMessages(in)
	var schemas []llm.ToolSchema
	if h.toolName != "" && h.tools != nil {
		schemas = h.tools.Schemas(h.toolName)
	}
	observationCap := h.engine.Limit(budget.KindStep) / 4

	for round := 0; round <= h.maxRounds; round++ {
		compressed, err := h.engine.Compress(ctx, budget.KindStep, msgs)
		if err != nil {
			return "", err
		}
		if compressed.Infeasible {
			return "", xerrors.New(xerrors.CodeTokenBudgetExceeded, "步骤上下文超出预算")
		}

		// 最后一轮不再提供工具，要求模型给出结果。
		offered := schemas
		if round == h.maxRounds {
			offered = nil
		}
		resp, err := h.generate(ctx, compressed.Messages(), offered)
		if err != nil {
			return "", err
		}
		if !resp.HasToolCalls() {
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				return "", xerrors.New(xerrors.CodeFormat, "步骤执行结果为空")
			}
			return text, nil
		}

		msgs = append(msgs, h.engine.NewToolCallMessage(string(h.kind), resp.Text, resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			output, err := h.invoke(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				h.logger.Warn("步骤工具调用失败",
					slog.String("step", in.Step.Title),
					slog.String("tool", call.Name),
					slog.Any("error", err))
				output = "error: " + err.Error()
			}
			msgs = append(msgs, h.engine.NewObservation(string(h.kind), call.Name, call.ID, h.engine.Trim(output, observationCap)))
		}
	}
	return "", xerrors.New(xerrors.CodeFormat, "步骤在工具调用上限内没有给出结果")
}

func (h *ModelHandler) initialMessages(in StepInput) []llm.Message {
	msgs := make([]llm.Message, 0, len(in.Prior)+4)
	msgs = append(msgs, h.engine.NewMessage(llm.RoleSystem, llm.KindControl, string(h.kind), stepPrompts[h.kind]))
	for idx, prior := range in.Prior {
		msgs = append(msgs, h.engine.NewMessage(llm.RoleAssistant, llm.KindObservation, "pipeline",
			fmt.Sprintf("Result of step %d (%s): %s", idx+1, prior.Title, prior.ExecutionResult)))
	}
	if in.Feedback != nil {
		msgs = append(msgs, h.engine.NewMessage(llm.RoleUser, llm.KindError, "validator",
			fmt.Sprintf("A previous attempt failed: %s. Suggested fix: %s", in.Feedback.FailureReason, in.Feedback.SuggestedFix)))
	}
	task := fmt.Sprintf("Request: %s\nPlan: %s\nStep %d of %d: %s\n%s",
		in.Query, in.PlanTitle, in.Index+1, in.Total, in.Step.Title, in.Step.Description)
	return append(msgs, h.engine.NewMessage(llm.RoleUser, llm.KindQuery, "pipeline", task))
}

func (h *ModelHandler) invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	if h.tools == nil || call.Name != h.toolName {
		return "", xerrors.New(xerrors.CodeFormat, fmt.Sprintf("步骤不允许调用工具 %q", call.Name))
	}
	return h.tools.Invoke(ctx, call)
}

func (h *ModelHandler) generate(ctx context.Context, msgs []llm.Message, schemas []llm.ToolSchema) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	resp, err := h.client.Generate(callCtx, llm.Request{Messages: msgs, Tools: schemas, MaxTokens: 1024})
	if err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "步骤模型调用超时")
		}
		return nil, err
	}
	return resp, nil
}
