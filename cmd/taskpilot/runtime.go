package main

import (
	"context"
	"fmt"
	"os"

	"TaskPilot/internal/agent"
	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	"TaskPilot/internal/config"
	"TaskPilot/internal/events"
	"TaskPilot/internal/fastpath"
	"TaskPilot/internal/knowledge"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/llm/gemini"
	"TaskPilot/internal/llm/openai"
	"TaskPilot/internal/llm/pythonbridge"
	"TaskPilot/internal/observability/metrics"
	"TaskPilot/internal/pipeline"
	"TaskPilot/internal/router"
	"TaskPilot/internal/summarycache"
	"TaskPilot/internal/synthesis"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/internal/tools"
	"TaskPilot/pkg/logger"
)

// runtime 持有一次进程生命周期内共享的编排组件。
type runtime struct {
	cfg      *config.Config
	agent    *agent.Agent
	recorder *events.Recorder
	table    *budget.Table
	closers  []func() error
}

func (r *runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildRuntime 按配置组装模型、压缩引擎、工具与四个编排阶段。
func buildRuntime(ctx context.Context, cfg *config.Config, extraSinks ...events.Sink) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	counter := newCounter(cfg)
	fractions, err := cfg.BudgetFractions()
	if err != nil {
		return nil, err
	}
	table, err := budget.NewTable(cfg.LLM.ContextWindow, fractions, cfg.Budget.Floor)
	if err != nil {
		return nil, err
	}
	rt.table = table

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cache, closeCache, err := newSummaryCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		rt.closers = append(rt.closers, closeCache)
	}

	summarizer := compress.NewLLMSummarizer(client, counter,
		compress.WithSummaryCache(cache),
		compress.WithSummaryMaxTokens(cfg.Compression.SummaryMaxTokens),
		compress.WithSummaryTimeout(cfg.Compression.SummaryTimeout.Std()),
		compress.WithSummaryInputLimit(func() int { return table.Limit(budget.KindSummarizer) }),
	)
	engineOpts, err := compress.StrategiesFromConfig(counter, summarizer, cfg.CompressionEngineConfig())
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	engineOpts = append(engineOpts,
		compress.WithObserver(func(kind budget.AgentKind, res compress.Result) {
			metrics.ObserveCompression(string(kind), res.Strategy, res.Infeasible)
		}),
		compress.WithLogger(logger.Named("compress")),
	)
	engine := compress.NewEngine(counter, table, engineOpts...)

	registry, err := newToolRegistry(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	route := router.New(client, engine, router.WithConfig(router.Config{
		FastMaxWords:     cfg.Router.FastMaxWords,
		PipelineMinWords: cfg.Router.PipelineMinWords,
		ModelTimeout:     cfg.Router.ModelTimeout.Std(),
		SkipModel:        cfg.Router.SkipModel,
	}))
	fast := fastpath.New(client, engine, registry, fastpath.WithConfig(fastpath.Config{
		MaxIterations:       cfg.FastPath.MaxIterations,
		MaxErrors:           cfg.FastPath.MaxErrors,
		ModelTimeout:        cfg.FastPath.ModelTimeout.Std(),
		ObservationFraction: cfg.FastPath.ObservationFraction,
		MaxOutputTokens:     cfg.FastPath.MaxOutputTokens,
	}))
	pipe, err := pipeline.New(client, engine, registry, pipeline.WithConfig(pipeline.Config{
		MaxReplans:         cfg.Pipeline.MaxReplans,
		MaxPlanSteps:       cfg.Pipeline.MaxPlanSteps,
		MaxStepRounds:      cfg.Pipeline.MaxStepRounds,
		ModelTimeout:       cfg.Pipeline.ModelTimeout.Std(),
		SemanticValidation: cfg.Pipeline.SemanticValidation,
	}))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	reporter := synthesis.NewReporter(client, engine,
		synthesis.WithTimeout(cfg.Synthesis.Timeout.Std()),
		synthesis.WithMaxOutputTokens(cfg.Synthesis.MaxOutputTokens),
	)

	sink, err := rt.eventSink(cfg, extraSinks)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.agent = agent.New(route, fast, pipe, reporter,
		agent.WithEventSink(sink),
		agent.WithObserver(metrics.Orchestration{}),
		agent.WithRequestGuard(rt.recorder),
		agent.WithRequestTimeout(cfg.Runtime.RequestTimeout.Std()),
	)
	return rt, nil
}

func (r *runtime) eventSink(cfg *config.Config, extra []events.Sink) (events.Sink, error) {
	r.recorder = events.NewRecorder(cfg.Events.RecorderCapacity)
	sinks := []events.Sink{r.recorder}
	if cfg.Events.Log {
		sinks = append(sinks, events.NewLogSink(logger.Named("events")))
	}
	if cfg.Events.AMQP.Enabled {
		publisher, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.Events.AMQP.URL,
			Exchange: cfg.Events.AMQP.Exchange,
		})
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, publisher.Close)
		sinks = append(sinks, publisher)
	}
	sinks = append(sinks, extra...)
	return events.NewFanout(sinks...), nil
}

func newCounter(cfg *config.Config) *tokenizer.Counter {
	if cfg.Tokenizer.Mode == "heuristic" {
		return tokenizer.Heuristic()
	}
	return tokenizer.ForModel(cfg.LLM.Model)
}

// newLLMClient 根据 provider 创建模型客户端。
func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.ResolveAPIKey(),
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout.Std(),
		})
	case "gemini":
		return gemini.NewClient(ctx, gemini.Config{
			APIKey:  cfg.LLM.ResolveAPIKey(),
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout.Std(),
		})
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, script, cfg.LLM.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的模型提供方: %s", cfg.LLM.Provider)
	}
}

// newSummaryCache 返回摘要缓存与可选的关闭函数。
func newSummaryCache(ctx context.Context, cfg *config.Config) (summarycache.Cache, func() error, error) {
	switch cfg.SummaryCache.Driver {
	case "redis":
		redisCfg := cfg.SummaryCache.Redis
		cache, err := summarycache.NewRedis(ctx, summarycache.RedisConfig{
			Address:  redisCfg.Address,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			Prefix:   redisCfg.Prefix,
			TTL:      redisCfg.TTL.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		return cache, cache.Close, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, nil, err
		}
		cache, err := summarycache.OpenSQLite(ctx, cfg.SummaryCache.Path)
		if err != nil {
			return nil, nil, err
		}
		return cache, cache.Close, nil
	default:
		return summarycache.NewMemory(), nil, nil
	}
}

// newToolRegistry 注册 project_query 与可选的 web_search。
func newToolRegistry(cfg *config.Config) (*tools.Registry, error) {
	var provider knowledge.Provider = knowledge.NewStaticProvider(nil, cfg.Tools.Knowledge.MaxResults)
	if cfg.Tools.Knowledge.Path != "" {
		loaded, err := knowledge.LoadStaticProvider(cfg.Tools.Knowledge.Path, cfg.Tools.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		provider = loaded
	}
	registry := tools.NewRegistry(cfg.Tools.Timeout.Std(), tools.NewProjectQuery(provider))
	if cfg.Tools.WebSearch.Enabled {
		registry.Register(tools.NewWebSearch(cfg.Tools.WebSearch.Endpoint, cfg.Tools.WebSearch.MaxResults))
	}
	return registry, nil
}
