package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"TaskPilot/internal/compress"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/events"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/tools"
	"TaskPilot/pkg/logger"
)

// Config 是流水线策略参数。
type Config struct {
	MaxReplans         int
	MaxPlanSteps       int
	MaxStepRounds      int
	ModelTimeout       time.Duration
	SemanticValidation bool
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxReplans:    2,
		MaxPlanSteps:  8,
		MaxStepRounds: 4,
		ModelTimeout:  60 * time.Second,
	}
}

// Pipeline 驱动 计划 → 分派 → 校验 → 反思 循环，可被多个请求共享。
type Pipeline struct {
	cfg        Config
	planner    *Planner
	dispatcher *Dispatcher
	validator  *Validator
	handlers   map[StepKind]Handler
	logger     *slog.Logger
}

// Option 自定义流水线。
type Option func(*Pipeline)

// WithConfig 覆盖默认配置，零值数值字段保持默认。
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		if cfg.MaxReplans > 0 {
			p.cfg.MaxReplans = cfg.MaxReplans
		}
		if cfg.MaxPlanSteps > 0 {
			p.cfg.MaxPlanSteps = cfg.MaxPlanSteps
		}
		if cfg.MaxStepRounds > 0 {
			p.cfg.MaxStepRounds = cfg.MaxStepRounds
		}
		if cfg.ModelTimeout > 0 {
			p.cfg.ModelTimeout = cfg.ModelTimeout
		}
		p.cfg.SemanticValidation = cfg.SemanticValidation
	}
}

// WithHandler 替换某一类步骤的处理器。
func WithHandler(kind StepKind, handler Handler) Option {
	return func(p *Pipeline) {
		if p.handlers == nil {
			p.handlers = make(map[StepKind]Handler)
		}
		p.handlers[kind] = handler
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.logger = log
		}
	}
}

// New 创建流水线。未显式指定的步骤类型使用默认的模型处理器：
// RESEARCH 使用 web_search，DOMAIN_QUERY 使用 project_query，PROCESSING 不使用工具。
func New(client llm.Client, engine *compress.Engine, registry *tools.Registry, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:    DefaultConfig(),
		logger: logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	defaults := map[StepKind]string{
		KindResearch:    tools.NameWebSearch,
		KindDomainQuery: tools.NameProjectQuery,
		KindProcessing:  "",
	}
	handlers := make(map[StepKind]Handler, len(defaults))
	for kind, toolName := range defaults {
		if custom, ok := p.handlers[kind]; ok {
			handlers[kind] = custom
			continue
		}
		handlers[kind] = NewModelHandler(kind, client, engine, registry, toolName, p.cfg.MaxStepRounds, p.cfg.ModelTimeout, p.logger)
	}
	dispatcher, err := NewDispatcher(handlers)
	if err != nil {
		return nil, err
	}

	p.dispatcher = dispatcher
	p.planner = &Planner{client: client, engine: engine, maxSteps: p.cfg.MaxPlanSteps, timeout: p.cfg.ModelTimeout, logger: p.logger}
	p.validator = &Validator{client: client, engine: engine, semantic: p.cfg.SemanticValidation, timeout: p.cfg.ModelTimeout, logger: p.logger}
	return p, nil
}

// Input 是一次流水线执行的输入。
type Input struct {
	Query string
	// Context 是规划时可参考的已有消息，例如快速路径的记录与部分结果。
	Context []llm.Message
	Emitter *events.Emitter
}

// Outcome 是交给合成阶段的结果。
type Outcome struct {
	Plan *Plan
	// Incomplete 表示超过重规划上限或没有合法计划，结果只包含部分步骤。
	Incomplete       bool
	IncompleteReason string
	Replans          int
	Reflections      []Reflection
	// Validations 是本次执行调用校验器的次数。
	Validations int
}

// run 是单次请求的可变状态，不在请求之间共享。
type run struct {
	in       Input
	out      Outcome
	feedback *Reflection
}

// Run 规划并执行。只有取消或超时才返回 error，其它失败体现在 Outcome 中。
func (p *Pipeline) Run(ctx context.Context, in Input) (Outcome, error) {
	st := &run{in: in}
	plan, err := p.plan(ctx, st, PlanRequest{Query: in.Query, Context: in.Context})
	if err != nil {
		return st.out, err
	}
	if plan == nil {
		st.out.Incomplete = true
		st.out.IncompleteReason = "no valid plan could be produced"
		return st.out, nil
	}
	p.announce(ctx, st, plan)
	return p.execute(ctx, st, plan)
}

// Execute 从已有计划继续执行，计划由调用方独占。
func (p *Pipeline) Execute(ctx context.Context, in Input, plan *Plan) (Outcome, error) {
	if err := ValidatePlan(plan, 0); err != nil {
		return Outcome{}, err
	}
	return p.execute(ctx, &run{in: in}, plan)
}

func (p *Pipeline) execute(ctx context.Context, st *run, plan *Plan) (Outcome, error) {
	st.out.Plan = plan
	for {
		if err := ctx.Err(); err != nil {
			return st.out, err
		}

		// 进入校验环节前先检查：所有步骤都有结果时直接进入合成，不再重复校验。
		idx := plan.Current()
		if idx < 0 {
			return st.out, nil
		}
		total := len(plan.Steps)
		step := plan.Steps[idx]
		st.in.Emitter.Emit(ctx, events.TypeStepStarted, idx, total, step.Title,
			map[string]any{"kind": string(step.Kind), "revision": plan.Revision})

		draft, execErr := p.dispatcher.Dispatch(ctx, StepInput{
			Query:     st.in.Query,
			PlanTitle: plan.Title,
			Index:     idx,
			Total:     total,
			Step:      step,
			Prior:     plan.Accepted(),
			Feedback:  st.feedback,
		})
		if err := ctx.Err(); err != nil {
			return st.out, err
		}
		st.feedback = nil

		st.out.Validations++
		verdict, reflection, err := p.validator.Review(ctx, plan, idx, draft, execErr)
		if err != nil {
			return st.out, err
		}
		if verdict.Valid {
			st.in.Emitter.Emit(ctx, events.TypeStepCompleted, idx, total, step.Title,
				map[string]any{"result": plan.Steps[idx].ExecutionResult})
			continue
		}

		st.out.Reflections = append(st.out.Reflections, *reflection)
		if st.out.Replans >= p.cfg.MaxReplans {
			st.out.Incomplete = true
			st.out.IncompleteReason = fmt.Sprintf("replan limit %d reached; step %q failed: %s", p.cfg.MaxReplans, step.Title, reflection.FailureReason)
			p.logger.Warn("超过重规划上限，带部分结果进入合成",
				slog.Int("replans", st.out.Replans),
				slog.String("step", step.Title))
			return st.out, nil
		}

		st.out.Replans++
		st.in.Emitter.Emit(ctx, events.TypeReplan, idx, total, reflection.FailureReason,
			map[string]any{"suggested_fix": reflection.SuggestedFix, "replans": st.out.Replans})
		next, err := p.plan(ctx, st, PlanRequest{
			Query:      st.in.Query,
			Context:    st.in.Context,
			Accepted:   plan.Accepted(),
			Reflection: reflection,
		})
		if err != nil {
			return st.out, err
		}
		if next == nil {
			st.out.Incomplete = true
			st.out.IncompleteReason = fmt.Sprintf("replanning failed after step %q: %s", step.Title, reflection.FailureReason)
			return st.out, nil
		}
		plan.Replace(next)
		st.feedback = reflection
		p.announce(ctx, st, plan)
	}
}

// plan 生成计划；失败会消耗一次重规划机会。放弃时返回 nil 计划。
func (p *Pipeline) plan(ctx context.Context, st *run, req PlanRequest) (*Plan, error) {
	for {
		plan, err := p.planner.Plan(ctx, req)
		if err == nil {
			return plan, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("规划失败",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Int("replans", st.out.Replans),
			slog.Any("error", err))
		if xerrors.CodeOf(err) == xerrors.CodeTokenBudgetExceeded || st.out.Replans >= p.cfg.MaxReplans {
			return nil, nil
		}
		st.out.Replans++
		st.in.Emitter.Emit(ctx, events.TypeReplan, -1, 0, err.Error(),
			map[string]any{"code": string(xerrors.CodeOf(err)), "replans": st.out.Replans})
	}
}

func (p *Pipeline) announce(ctx context.Context, st *run, plan *Plan) {
	titles := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		titles = append(titles, step.Title)
	}
	st.in.Emitter.Emit(ctx, events.TypePlanCreated, plan.Current(), len(plan.Steps), plan.Title,
		map[string]any{"steps": titles, "revision": plan.Revision, "has_enough_context": plan.HasEnoughContext})
}
