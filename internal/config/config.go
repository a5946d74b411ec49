package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
	"TaskPilot/pkg/logger"
)

// 环境变量覆盖项。
const (
	EnvConfigPath    = "TASKPILOT_CONFIG"
	EnvModel         = "TASKPILOT_MODEL"
	EnvContextWindow = "TASKPILOT_CONTEXT_WINDOW"
)

// Config 描述了 TaskPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      logger.Config      `json:"logging" yaml:"logging"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Tokenizer    TokenizerConfig    `json:"tokenizer" yaml:"tokenizer"`
	Budget       BudgetConfig       `json:"budget" yaml:"budget"`
	Compression  CompressionConfig  `json:"compression" yaml:"compression"`
	SummaryCache SummaryCacheConfig `json:"summary_cache" yaml:"summary_cache"`
	Router       RouterConfig       `json:"router" yaml:"router"`
	FastPath     FastPathConfig     `json:"fast_path" yaml:"fast_path"`
	Pipeline     PipelineConfig     `json:"pipeline" yaml:"pipeline"`
	Synthesis    SynthesisConfig    `json:"synthesis" yaml:"synthesis"`
	Tools        ToolsConfig        `json:"tools" yaml:"tools"`
	Task         TaskConfig         `json:"task" yaml:"task"`
	Events       EventsConfig       `json:"events" yaml:"events"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// LLMConfig 用于配置大模型的调用方式。
type LLMConfig struct {
	Provider      string             `json:"provider" yaml:"provider"`
	Model         string             `json:"model" yaml:"model"`
	ContextWindow int                `json:"context_window" yaml:"context_window"`
	BaseURL       string             `json:"base_url" yaml:"base_url"`
	APIKey        string             `json:"api_key" yaml:"api_key"`
	APIKeyEnv     string             `json:"api_key_env" yaml:"api_key_env"`
	Timeout       Duration           `json:"timeout" yaml:"timeout"`
	Python        PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// ResolveAPIKey 优先使用显式配置，其次读取 api_key_env 指定的环境变量。
func (c LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// PythonBridgeConfig 描述通过外部脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// TokenizerConfig 选择 token 计数方式。
type TokenizerConfig struct {
	// Mode 为 model（按模型加载 BPE）或 heuristic（字符估算，无需下载编码）。
	Mode string `json:"mode" yaml:"mode"`
}

// BudgetConfig 定义各组件的窗口比例。
type BudgetConfig struct {
	Floor     int                `json:"floor" yaml:"floor"`
	Fractions map[string]float64 `json:"fractions" yaml:"fractions"`
}

// ImportanceConfig 是重要性策略的阈值。
type ImportanceConfig struct {
	High          float64 `json:"high" yaml:"high"`
	Low           float64 `json:"low" yaml:"low"`
	RecencyWindow int     `json:"recency_window" yaml:"recency_window"`
	RecencyBonus  float64 `json:"recency_bonus" yaml:"recency_bonus"`
}

// CompressionConfig 描述压缩策略。
type CompressionConfig struct {
	Strategies       map[string]string `json:"strategies" yaml:"strategies"`
	KeepLast         int               `json:"keep_last" yaml:"keep_last"`
	ChunkSize        int               `json:"chunk_size" yaml:"chunk_size"`
	Importance       ImportanceConfig  `json:"importance" yaml:"importance"`
	SummaryMaxTokens int               `json:"summary_max_tokens" yaml:"summary_max_tokens"`
	SummaryTimeout   Duration          `json:"summary_timeout" yaml:"summary_timeout"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string   `json:"address" yaml:"address"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
	Prefix   string   `json:"prefix" yaml:"prefix"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

// SummaryCacheConfig 选择摘要缓存后端。
type SummaryCacheConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Path   string      `json:"path" yaml:"path"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RouterConfig 是路由启发式与模型分类参数。
type RouterConfig struct {
	FastMaxWords     int      `json:"fast_max_words" yaml:"fast_max_words"`
	PipelineMinWords int      `json:"pipeline_min_words" yaml:"pipeline_min_words"`
	ModelTimeout     Duration `json:"model_timeout" yaml:"model_timeout"`
	SkipModel        bool     `json:"skip_model" yaml:"skip_model"`
}

// FastPathConfig 是快速路径的上限。
type FastPathConfig struct {
	MaxIterations       int      `json:"max_iterations" yaml:"max_iterations"`
	MaxErrors           int      `json:"max_errors" yaml:"max_errors"`
	ObservationFraction float64  `json:"observation_fraction" yaml:"observation_fraction"`
	MaxOutputTokens     int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	ModelTimeout        Duration `json:"model_timeout" yaml:"model_timeout"`
}

// PipelineConfig 是计划流水线的上限。
type PipelineConfig struct {
	MaxReplans         int      `json:"max_replans" yaml:"max_replans"`
	MaxPlanSteps       int      `json:"max_plan_steps" yaml:"max_plan_steps"`
	MaxStepRounds      int      `json:"max_step_rounds" yaml:"max_step_rounds"`
	ModelTimeout       Duration `json:"model_timeout" yaml:"model_timeout"`
	SemanticValidation bool     `json:"semantic_validation" yaml:"semantic_validation"`
}

// SynthesisConfig 是最终汇总的参数。
type SynthesisConfig struct {
	MaxOutputTokens int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
}

// WebSearchConfig 配置 web_search 工具。
type WebSearchConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// KnowledgeConfig 配置 project_query 工具的数据源。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// ToolsConfig 描述可用工具。
type ToolsConfig struct {
	Timeout   Duration        `json:"timeout" yaml:"timeout"`
	WebSearch WebSearchConfig `json:"web_search" yaml:"web_search"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
}

// TaskStoreConfig 选择任务存储。
type TaskStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// TaskQueueConfig 选择任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// TaskConfig 描述异步任务的存储、队列与重试。
type TaskConfig struct {
	Store      TaskStoreConfig `json:"store" yaml:"store"`
	Queue      TaskQueueConfig `json:"queue" yaml:"queue"`
	Workers    int             `json:"workers" yaml:"workers"`
	MaxRetries int             `json:"max_retries" yaml:"max_retries"`
}

// AMQPEventsConfig 配置事件发布到 RabbitMQ。
type AMQPEventsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// EventsConfig 配置进度事件的去向。
type EventsConfig struct {
	RecorderCapacity int              `json:"recorder_capacity" yaml:"recorder_capacity"`
	Log              bool             `json:"log" yaml:"log"`
	AMQP             AMQPEventsConfig `json:"amqp" yaml:"amqp"`
}

// WebhookConfig 配置告警 webhook。
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// AlertingConfig 配置终止失败的告警。
type AlertingConfig struct {
	Log     bool          `json:"log" yaml:"log"`
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir        string   `json:"data_dir" yaml:"data_dir"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

// Default 返回仅包含默认值的配置，相对路径基于当前目录。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 解析指定路径的配置文件。.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 TASKPILOT_CONFIG 指定的文件；未设置时使用默认配置。
func LoadFromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return Load(path)
	}
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv 应用环境变量覆盖。
func (c *Config) ApplyEnv() error {
	if model := strings.TrimSpace(os.Getenv(EnvModel)); model != "" {
		c.LLM.Model = model
	}
	if raw := strings.TrimSpace(os.Getenv(EnvContextWindow)); raw != "" {
		window, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s 必须为整数: %w", EnvContextWindow, err)
		}
		c.LLM.ContextWindow = window
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.ContextWindow == 0 {
		c.LLM.ContextWindow = 16385
	}
	if c.LLM.APIKeyEnv == "" && c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "gemini":
			c.LLM.APIKeyEnv = "GEMINI_API_KEY"
		default:
			c.LLM.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	setDuration(&c.LLM.Timeout, 60*time.Second)
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir, baseDir)

	if c.Tokenizer.Mode == "" {
		c.Tokenizer.Mode = "model"
	}
	if c.Budget.Floor == 0 {
		c.Budget.Floor = budget.DefaultFloor
	}

	if c.Compression.Strategies == nil {
		c.Compression.Strategies = map[string]string{}
	}
	for kind, strategy := range DefaultStrategies() {
		if _, ok := c.Compression.Strategies[string(kind)]; !ok {
			c.Compression.Strategies[string(kind)] = strategy
		}
	}
	if c.Compression.KeepLast == 0 {
		c.Compression.KeepLast = 4
	}
	if c.Compression.ChunkSize == 0 {
		c.Compression.ChunkSize = 8
	}
	importance := compress.DefaultImportancePolicy()
	if c.Compression.Importance.High == 0 && c.Compression.Importance.Low == 0 {
		c.Compression.Importance.High = importance.High
		c.Compression.Importance.Low = importance.Low
	}
	if c.Compression.Importance.RecencyWindow == 0 {
		c.Compression.Importance.RecencyWindow = importance.RecencyWindow
	}
	if c.Compression.Importance.RecencyBonus == 0 {
		c.Compression.Importance.RecencyBonus = importance.RecencyBonus
	}
	if c.Compression.SummaryMaxTokens == 0 {
		c.Compression.SummaryMaxTokens = 256
	}
	setDuration(&c.Compression.SummaryTimeout, 30*time.Second)

	if c.SummaryCache.Driver == "" {
		c.SummaryCache.Driver = "memory"
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	c.SummaryCache.Path = resolvePath(baseDir, c.SummaryCache.Path, filepath.Join(c.Runtime.DataDir, "summaries.db"))
	if c.SummaryCache.Redis.Prefix == "" {
		c.SummaryCache.Redis.Prefix = "taskpilot:summary:"
	}

	if c.Router.FastMaxWords == 0 {
		c.Router.FastMaxWords = 25
	}
	if c.Router.PipelineMinWords == 0 {
		c.Router.PipelineMinWords = 60
	}
	setDuration(&c.Router.ModelTimeout, 15*time.Second)

	if c.FastPath.MaxIterations == 0 {
		c.FastPath.MaxIterations = 8
	}
	if c.FastPath.MaxErrors == 0 {
		c.FastPath.MaxErrors = 3
	}
	if c.FastPath.ObservationFraction == 0 {
		c.FastPath.ObservationFraction = 0.25
	}
	if c.FastPath.MaxOutputTokens == 0 {
		c.FastPath.MaxOutputTokens = 1024
	}
	setDuration(&c.FastPath.ModelTimeout, 60*time.Second)

	if c.Pipeline.MaxReplans == 0 {
		c.Pipeline.MaxReplans = 2
	}
	if c.Pipeline.MaxPlanSteps == 0 {
		c.Pipeline.MaxPlanSteps = 8
	}
	if c.Pipeline.MaxStepRounds == 0 {
		c.Pipeline.MaxStepRounds = 4
	}
	setDuration(&c.Pipeline.ModelTimeout, 60*time.Second)

	if c.Synthesis.MaxOutputTokens == 0 {
		c.Synthesis.MaxOutputTokens = 2048
	}
	setDuration(&c.Synthesis.Timeout, 90*time.Second)

	setDuration(&c.Tools.Timeout, 20*time.Second)
	if c.Tools.WebSearch.MaxResults == 0 {
		c.Tools.WebSearch.MaxResults = 5
	}
	if c.Tools.Knowledge.MaxResults == 0 {
		c.Tools.Knowledge.MaxResults = 5
	}
	if c.Tools.Knowledge.Path != "" && !filepath.IsAbs(c.Tools.Knowledge.Path) {
		c.Tools.Knowledge.Path = filepath.Join(baseDir, c.Tools.Knowledge.Path)
	}

	if c.Task.Store.Driver == "" {
		c.Task.Store.Driver = "memory"
	}
	if c.Task.Queue.Driver == "" {
		c.Task.Queue.Driver = "memory"
	}
	if c.Task.Queue.Size == 0 {
		c.Task.Queue.Size = 256
	}
	if c.Task.Workers == 0 {
		c.Task.Workers = 4
	}
	if c.Task.MaxRetries == 0 {
		c.Task.MaxRetries = 3
	}

	if c.Events.RecorderCapacity == 0 {
		c.Events.RecorderCapacity = 1024
	}
	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "taskpilot.events"
	}
	setDuration(&c.Runtime.RequestTimeout, 5*time.Minute)
}

// DefaultStrategies 返回每类组件默认的压缩策略。
func DefaultStrategies() map[budget.AgentKind]string {
	return map[budget.AgentKind]string{
		budget.KindRouter:     compress.StrategyTruncate,
		budget.KindFastPath:   compress.StrategyTruncate,
		budget.KindPlanner:    compress.StrategyHierarchical,
		budget.KindStep:       compress.StrategyTruncate,
		budget.KindValidator:  compress.StrategyTruncate,
		budget.KindSummarizer: compress.StrategyTruncate,
		budget.KindSynthesis:  compress.StrategyHierarchical,
	}
}

// Validate 检查配置中的策略数值。返回的错误包含全部问题。
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.LLM.ContextWindow <= 0 {
		add("llm.context_window 必须为正数，当前为 %d", c.LLM.ContextWindow)
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "python_bridge":
	default:
		add("未知的 llm.provider %q", c.LLM.Provider)
	}
	switch c.Tokenizer.Mode {
	case "model", "heuristic":
	default:
		add("未知的 tokenizer.mode %q", c.Tokenizer.Mode)
	}
	if c.Budget.Floor <= 0 {
		add("budget.floor 必须为正数")
	}
	if _, err := c.BudgetFractions(); err != nil {
		problems = append(problems, err)
	}
	for kind, strategy := range c.Compression.Strategies {
		if !budget.AgentKind(kind).Valid() {
			add("compression.strategies 包含未知的组件类型 %q", kind)
		}
		switch strategy {
		case compress.StrategyTruncate, compress.StrategyHierarchical, compress.StrategyImportance:
		default:
			add("组件 %s 使用了未知的压缩策略 %q", kind, strategy)
		}
	}
	imp := c.Compression.Importance
	if !(imp.Low >= 0 && imp.Low < imp.High && imp.High <= 1) {
		add("重要性阈值必须满足 0 <= low < high <= 1，当前 low=%.2f high=%.2f", imp.Low, imp.High)
	}
	if c.Compression.KeepLast < 0 || c.Compression.ChunkSize <= 0 {
		add("compression.keep_last 不能为负且 chunk_size 必须为正数")
	}
	switch c.SummaryCache.Driver {
	case "memory", "sqlite":
	case "redis":
		if c.SummaryCache.Redis.Address == "" {
			add("summary_cache.redis.address 不能为空")
		}
	default:
		add("未知的 summary_cache.driver %q", c.SummaryCache.Driver)
	}

	caps := map[string]int{
		"fast_path.max_iterations":    c.FastPath.MaxIterations,
		"fast_path.max_errors":        c.FastPath.MaxErrors,
		"pipeline.max_replans":        c.Pipeline.MaxReplans,
		"pipeline.max_plan_steps":     c.Pipeline.MaxPlanSteps,
		"pipeline.max_step_rounds":    c.Pipeline.MaxStepRounds,
		"synthesis.max_output_tokens": c.Synthesis.MaxOutputTokens,
		"task.workers":                c.Task.Workers,
		"task.max_retries":            c.Task.MaxRetries,
	}
	for _, name := range sortedKeys(caps) {
		if caps[name] <= 0 {
			add("%s 必须为正数，当前为 %d", name, caps[name])
		}
	}
	if f := c.FastPath.ObservationFraction; !(f > 0 && f <= 1) {
		add("fast_path.observation_fraction 必须在 (0,1] 范围内")
	}

	switch c.Task.Store.Driver {
	case "memory":
	case "mysql":
		if c.Task.Store.DSN == "" {
			add("task.store.dsn 不能为空")
		}
	default:
		add("未知的 task.store.driver %q", c.Task.Store.Driver)
	}
	switch c.Task.Queue.Driver {
	case "memory":
	case "redis":
		if c.Task.Queue.Redis.Address == "" {
			add("task.queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Task.Queue.RabbitMQ.URL == "" {
			add("task.queue.rabbitmq.url 不能为空")
		}
	default:
		add("未知的 task.queue.driver %q", c.Task.Queue.Driver)
	}
	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		add("events.amqp.url 不能为空")
	}
	return errors.Join(problems...)
}

// BudgetFractions 把配置中的比例转换为预算表使用的类型。
func (c *Config) BudgetFractions() (budget.Fractions, error) {
	fractions := make(budget.Fractions, len(c.Budget.Fractions))
	for key, value := range c.Budget.Fractions {
		fractions[budget.AgentKind(key)] = value
	}
	if err := fractions.Validate(); err != nil {
		return nil, fmt.Errorf("budget.fractions 无效: %w", err)
	}
	return fractions, nil
}

// CompressionEngineConfig 转换为压缩引擎配置。
func (c *Config) CompressionEngineConfig() compress.Config {
	strategies := make(map[budget.AgentKind]string, len(c.Compression.Strategies))
	for kind, name := range c.Compression.Strategies {
		strategies[budget.AgentKind(kind)] = name
	}
	imp := c.Compression.Importance
	return compress.Config{
		Strategies: strategies,
		KeepLast:   c.Compression.KeepLast,
		ChunkSize:  c.Compression.ChunkSize,
		Importance: compress.ImportancePolicy{
			High:          imp.High,
			Low:           imp.Low,
			RecencyWindow: imp.RecencyWindow,
			RecencyBonus:  imp.RecencyBonus,
			ChunkSize:     c.Compression.ChunkSize,
		},
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

func setDuration(target *Duration, fallback time.Duration) {
	if *target == 0 {
		*target = Duration(fallback)
	}
}

func sortedKeys(values map[string]int) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
