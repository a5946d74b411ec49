package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

const validatorPrompt = `You check whether a step result satisfies the step description.
Reply with JSON only: {"valid":true|false,"reason":"...","suggested_fix":"..."}.
Mark the result invalid only when it is off-topic, empty of substance, or contradicts the description.`

// Verdict 是对一个步骤结果的判定。
type Verdict struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason"`
	SuggestedFix string `json:"suggested_fix"`
	// Semantic 表示判定来自模型的语义检查。
	Semantic bool `json:"-"`
}

// Validator 校验步骤结果。它是 ExecutionResult 与 RetryCount 的唯一写入者。
type Validator struct {
	client   llm.Client
	engine   *compress.Engine
	semantic bool
	timeout  time.Duration
	logger   *slog.Logger
}

// Review 校验第 idx 个步骤的草稿结果。
//
// 通过时写入 ExecutionResult；失败时 RetryCount 加一并返回反思。只有上下文取消时返回 error。
func (v *Validator) Review(ctx context.Context, plan *Plan, idx int, draft string, execErr error) (Verdict, *Reflection, error) {
	step := &plan.Steps[idx]

	verdict := structuralCheck(step, draft, execErr)
	if verdict.Valid && v.semantic && v.client != nil {
		semantic, err := v.semanticCheck(ctx, step, draft)
		switch {
		case err != nil && ctx.Err() != nil:
			return Verdict{}, nil, ctx.Err()
		case err != nil:
			v.logger.Warn("语义校验不可用，沿用结构校验结论",
				slog.String("step", step.Title),
				slog.Any("error", err))
		default:
			verdict = semantic
		}
	}

	if verdict.Valid {
		step.ExecutionResult = strings.TrimSpace(draft)
		return verdict, nil, nil
	}

	step.RetryCount++
	reflection := &Reflection{
		StepIndex:     idx,
		StepTitle:     step.Title,
		FailureReason: verdict.Reason,
		SuggestedFix:  verdict.SuggestedFix,
	}
	v.logger.Info("步骤校验失败",
		slog.Int("step_index", idx),
		slog.String("step", step.Title),
		slog.Int("retry_count", step.RetryCount),
		slog.String("reason", verdict.Reason))
	return verdict, reflection, nil
}

func structuralCheck(step *Step, draft string, execErr error) Verdict {
	if execErr != nil {
		fix := "retry the step with a narrower scope"
		switch xerrors.CodeOf(execErr) {
		case xerrors.CodeTimeout:
			fix = "split the step into smaller steps that finish faster"
		case xerrors.CodeFormat:
			fix = "make the step description concrete enough to answer directly"
		case xerrors.CodeTokenBudgetExceeded:
			fix = "narrow the step so its inputs fit the context budget"
		}
		return Verdict{Reason: fmt.Sprintf("step execution failed: %v", execErr), SuggestedFix: fix}
	}

	text := strings.TrimSpace(draft)
	if text == "" {
		return Verdict{Reason: "step produced no result", SuggestedFix: "rephrase the step so it yields a concrete output"}
	}
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "error -") {
		return Verdict{Reason: "step result is an error report: " + text, SuggestedFix: "use a different source or tool for this step"}
	}
	if normalize(text) == normalize(step.Description) || normalize(text) == normalize(step.Title) {
		return Verdict{Reason: "step result only repeats the step description", SuggestedFix: "ask for the concrete data the step needs"}
	}
	return Verdict{Valid: true, Reason: "structural checks passed"}
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Trim(text, " .!\n\t"))), " ")
}

func (v *Validator) semanticCheck(ctx context.Context, step *Step, draft string) (Verdict, error) {
	limit := v.engine.Limit(budget.KindValidator)
	draft = v.engine.Trim(draft, limit/2)
	msgs := []llm.Message{
		v.engine.NewMessage(llm.RoleSystem, llm.KindControl, "validator", validatorPrompt),
		v.engine.NewMessage(llm.RoleUser, llm.KindQuery, "validator",
			fmt.Sprintf("Step: %s\nDescription: %s\nResult:\n%s", step.Title, step.Description, draft)),
	}
	compressed, err := v.engine.Compress(ctx, budget.KindValidator, msgs)
	if err != nil {
		return Verdict{}, err
	}
	if compressed.Infeasible {
		return Verdict{}, xerrors.New(xerrors.CodeTokenBudgetExceeded, "校验上下文超出预算")
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	resp, err := v.client.Generate(callCtx, llm.Request{Messages: compressed.Messages(), MaxTokens: 256, JSON: true})
	if err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text)), &verdict); err != nil {
		return Verdict{}, xerrors.Wrap(xerrors.CodeFormat, err, "校验结果不是合法 JSON")
	}
	verdict.Semantic = true
	if !verdict.Valid && strings.TrimSpace(verdict.Reason) == "" {
		verdict.Reason = "result does not satisfy the step description"
	}
	return verdict, nil
}
