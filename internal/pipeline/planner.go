package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

const plannerPrompt = `You plan multi-step work for a task assistant.
Reply with JSON only, shaped as:
{"title":"...","has_enough_context":false,"steps":[{"title":"...","description":"...","kind":"RESEARCH|PROCESSING|DOMAIN_QUERY"}]}
RESEARCH steps search the web. DOMAIN_QUERY steps read project-management records.
PROCESSING steps reason over earlier results without tools.
Set has_enough_context to true and return no steps only when the conversation already answers the request.`

// PlanRequest 是一次规划的输入。
type PlanRequest struct {
	Query string
	// Context 是规划前已经积累的消息，例如快速路径升级时的记录。
	Context []llm.Message
	// Accepted 是重规划时已经被接受的步骤。
	Accepted   []Step
	Reflection *Reflection
}

// Planner 通过一次模型调用生成结构化计划。
type Planner struct {
	client   llm.Client
	engine   *compress.Engine
	maxSteps int
	timeout  time.Duration
	logger   *slog.Logger
}

// Plan 调用模型并校验计划结构。结构非法时返回 PLAN_VALIDATION_FAILED，不会替换为默认计划。
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	msgs := make([]llm.Message, 0, len(req.Context)+len(req.Accepted)+3)
	msgs = append(msgs, p.engine.NewMessage(llm.RoleSystem, llm.KindControl, "planner", plannerPrompt))
	msgs = append(msgs, req.Context...)
	for idx, step := range req.Accepted {
		msgs = append(msgs, p.engine.NewMessage(llm.RoleAssistant, llm.KindObservation, "planner",
			fmt.Sprintf("Completed step %d (%s): %s", idx+1, step.Title, step.ExecutionResult)))
	}
	if req.Reflection != nil {
		msgs = append(msgs, p.engine.NewMessage(llm.RoleUser, llm.KindError, "validator",
			fmt.Sprintf("Step %q failed: %s. Suggested fix: %s. Plan only the remaining work.",
				req.Reflection.StepTitle, req.Reflection.FailureReason, req.Reflection.SuggestedFix)))
	}
	msgs = append(msgs, p.engine.NewMessage(llm.RoleUser, llm.KindQuery, "user", req.Query))

	compressed, err := p.engine.Compress(ctx, budget.KindPlanner, msgs)
	if err != nil {
		return nil, err
	}
	if compressed.Infeasible {
		return nil, xerrors.New(xerrors.CodeTokenBudgetExceeded, "规划上下文超出预算",
			xerrors.WithMetadata("current_tokens", strconv.Itoa(compressed.RequiredTokens)),
			xerrors.WithMetadata("limit_tokens", strconv.Itoa(compressed.Limit)))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.client.Generate(callCtx, llm.Request{
		Messages:  compressed.Messages(),
		MaxTokens: 1024,
		JSON:      true,
	})
	if err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "规划模型调用超时")
		}
		return nil, err
	}
	return ParsePlan(resp.Text, p.maxSteps)
}

type rawPlan struct {
	Title            string `json:"title"`
	HasEnoughContext bool   `json:"has_enough_context"`
	Steps            []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Kind        string `json:"kind"`
	} `json:"steps"`
}

// ParsePlan 解析并校验模型输出的计划。maxSteps<=0 表示不限制步骤数。
func ParsePlan(text string, maxSteps int) (*Plan, error) {
	var raw rawPlan
	if err := json.Unmarshal([]byte(llm.ExtractJSON(text)), &raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanValidation, err, "计划不是合法 JSON")
	}

	plan := &Plan{
		Title:            strings.TrimSpace(raw.Title),
		HasEnoughContext: raw.HasEnoughContext,
		Steps:            make([]Step, 0, len(raw.Steps)),
	}
	for idx, item := range raw.Steps {
		kind, err := ParseStepKind(item.Kind)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePlanValidation, err, fmt.Sprintf("第 %d 个步骤类型非法", idx+1),
				xerrors.WithMetadata("step_index", strconv.Itoa(idx)))
		}
		plan.Steps = append(plan.Steps, Step{
			Title:       strings.TrimSpace(item.Title),
			Description: strings.TrimSpace(item.Description),
			Kind:        kind,
		})
	}
	if err := ValidatePlan(plan, maxSteps); err != nil {
		return nil, err
	}
	return plan, nil
}

// ValidatePlan 校验计划结构：标题非空、至少一个步骤（上下文已足够时除外）、步骤标题非空且类型合法。
func ValidatePlan(plan *Plan, maxSteps int) error {
	if plan == nil {
		return xerrors.New(xerrors.CodePlanValidation, "计划为空")
	}
	if strings.TrimSpace(plan.Title) == "" {
		return xerrors.New(xerrors.CodePlanValidation, "计划缺少标题")
	}
	if len(plan.Steps) == 0 && !plan.HasEnoughContext {
		return xerrors.New(xerrors.CodePlanValidation, "计划没有任何步骤")
	}
	if maxSteps > 0 && len(plan.Steps) > maxSteps {
		return xerrors.New(xerrors.CodePlanValidation, fmt.Sprintf("计划包含 %d 个步骤，超过上限 %d", len(plan.Steps), maxSteps))
	}
	for idx, step := range plan.Steps {
		if strings.TrimSpace(step.Title) == "" {
			return xerrors.New(xerrors.CodePlanValidation, fmt.Sprintf("第 %d 个步骤缺少标题", idx+1),
				xerrors.WithMetadata("step_index", strconv.Itoa(idx)))
		}
		if _, err := ParseStepKind(string(step.Kind)); err != nil {
			return xerrors.Wrap(xerrors.CodePlanValidation, err, fmt.Sprintf("第 %d 个步骤类型非法", idx+1),
				xerrors.WithMetadata("step_index", strconv.Itoa(idx)))
		}
	}
	return nil
}
