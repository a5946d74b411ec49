// Package pipeline implements the full execution mode: a planner produces a
// typed plan, a dispatch table runs its steps one at a time, and a validator
// accepts each result or reflects on the failure and triggers a bounded replan.
package pipeline

import (
	"fmt"
	"strings"
)

// StepKind 决定由哪个处理器执行步骤，是一个封闭枚举。
type StepKind string

const (
	KindResearch    StepKind = "RESEARCH"
	KindProcessing  StepKind = "PROCESSING"
	KindDomainQuery StepKind = "DOMAIN_QUERY"
)

// StepKinds 返回全部步骤类型。
func StepKinds() []StepKind {
	return []StepKind{KindResearch, KindProcessing, KindDomainQuery}
}

// ParseStepKind 解析步骤类型，大小写与连字符不敏感。
func ParseStepKind(raw string) (StepKind, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	kind := StepKind(normalized)
	for _, known := range StepKinds() {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("未知的步骤类型 %q", raw)
}

// Step 是计划中的一个步骤。
//
// ExecutionResult 与 RetryCount 只由 Validator 写入；调度器只产生草稿结果。
type Step struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Kind            StepKind `json:"kind"`
	ExecutionResult string   `json:"execution_result,omitempty"`
	RetryCount      int      `json:"retry_count"`
}

// Done 判断步骤是否已经有被接受的结果。
func (s *Step) Done() bool {
	return s.ExecutionResult != ""
}

// Plan 是一次规划的产物，只在重规划时追加或替换步骤。
type Plan struct {
	Title            string `json:"title"`
	HasEnoughContext bool   `json:"has_enough_context"`
	Steps            []Step `json:"steps"`
	// Revision 是重规划次数，0 表示初始计划。
	Revision int `json:"revision"`
}

// Current 返回第一个尚未完成的步骤下标，全部完成时返回 -1。
func (p *Plan) Current() int {
	for idx := range p.Steps {
		if !p.Steps[idx].Done() {
			return idx
		}
	}
	return -1
}

// Complete 判断是否所有步骤都已有结果。
func (p *Plan) Complete() bool {
	return p.Current() < 0
}

// Accepted 返回已经被接受的步骤，按计划顺序。
func (p *Plan) Accepted() []Step {
	out := make([]Step, 0, len(p.Steps))
	for _, step := range p.Steps {
		if step.Done() {
			out = append(out, step)
		}
	}
	return out
}

// Replace 保留已接受的步骤，用新步骤替换当前与后续步骤。
//
// 接替失败位置的第一个新步骤沿用失败步骤的 RetryCount，该位置的失败次数在重规划后依然可见；
// 其余新步骤从 0 开始。
func (p *Plan) Replace(next *Plan) {
	carried := 0
	if idx := p.Current(); idx >= 0 {
		carried = p.Steps[idx].RetryCount
	}
	steps := p.Accepted()
	for idx, step := range next.Steps {
		step.ExecutionResult = ""
		step.RetryCount = 0
		if idx == 0 {
			step.RetryCount = carried
		}
		steps = append(steps, step)
	}
	p.Steps = steps
	if strings.TrimSpace(next.Title) != "" {
		p.Title = next.Title
	}
	p.HasEnoughContext = next.HasEnoughContext
	p.Revision++
}

// Reflection 是一次失败分析，输入下一轮规划。
type Reflection struct {
	StepIndex     int    `json:"step_index"`
	StepTitle     string `json:"step_title"`
	FailureReason string `json:"failure_reason"`
	SuggestedFix  string `json:"suggested_fix"`
}
