package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TaskPilot/internal/budget"
	"TaskPilot/internal/compress"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeFile(t, "taskpilot.yaml", `
llm:
  provider: gemini
  model: gemini-2.0-flash
  context_window: 32000
  timeout: 45s
budget:
  fractions:
    synthesis: 0.9
compression:
  strategies:
    synthesis: importance
fast_path:
  max_iterations: 5
pipeline:
  semantic_validation: true
  model_timeout: 30
tools:
  knowledge:
    path: data/projects.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 32000, cfg.LLM.ContextWindow)
	assert.Equal(t, "GEMINI_API_KEY", cfg.LLM.APIKeyEnv)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Pipeline.ModelTimeout.Std())
	assert.True(t, cfg.Pipeline.SemanticValidation)
	assert.Equal(t, 5, cfg.FastPath.MaxIterations)
	assert.Equal(t, 3, cfg.FastPath.MaxErrors)
	assert.Equal(t, 2, cfg.Pipeline.MaxReplans)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data/projects.yaml"), cfg.Tools.Knowledge.Path)

	engineCfg := cfg.CompressionEngineConfig()
	assert.Equal(t, compress.StrategyImportance, engineCfg.Strategies[budget.KindSynthesis])
	assert.Equal(t, compress.StrategyHierarchical, engineCfg.Strategies[budget.KindPlanner])
	assert.Equal(t, compress.StrategyTruncate, engineCfg.Strategies[budget.KindRouter])

	fractions, err := cfg.BudgetFractions()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, fractions[budget.KindSynthesis], 1e-9)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "taskpilot.json", `{
  "llm": {"provider": "python_bridge", "context_window": 8192, "python_bridge": {"script_path": "scripts/model.py"}},
  "task": {"store": {"driver": "mysql", "dsn": "user:pw@tcp(localhost:3306)/taskpilot"}, "workers": 2},
  "runtime": {"request_timeout": "2m"}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "python_bridge", cfg.LLM.Provider)
	assert.Equal(t, filepath.Dir(path), cfg.LLM.Python.WorkingDir)
	assert.Equal(t, "mysql", cfg.Task.Store.Driver)
	assert.Equal(t, 2, cfg.Task.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Runtime.RequestTimeout.Std())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.Runtime.DataDir)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "taskpilot.yaml", "llm:\n  model: gpt-4o\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvModel, "gpt-4o-mini")
	t.Setenv(EnvContextWindow, "128000")
	t.Setenv("CUSTOM_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 128000, cfg.LLM.ContextWindow)

	cfg.LLM.APIKeyEnv = "CUSTOM_KEY"
	assert.Equal(t, "sk-test", cfg.LLM.ResolveAPIKey())
	cfg.LLM.APIKey = "explicit"
	assert.Equal(t, "explicit", cfg.LLM.ResolveAPIKey())

	t.Setenv(EnvContextWindow, "large")
	_, err = LoadFromEnv()
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16385, cfg.LLM.ContextWindow)
	assert.Equal(t, budget.DefaultFloor, cfg.Budget.Floor)
	assert.Equal(t, "memory", cfg.SummaryCache.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Runtime.RequestTimeout.Std())
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cases := map[string]func(cfg *Config){
		"non-positive window": func(cfg *Config) { cfg.LLM.ContextWindow = -1 },
		"fraction above one":  func(cfg *Config) { cfg.Budget.Fractions = map[string]float64{"planner": 1.5} },
		"unknown agent kind":  func(cfg *Config) { cfg.Budget.Fractions = map[string]float64{"critic": 0.3} },
		"unknown strategy":    func(cfg *Config) { cfg.Compression.Strategies["step"] = "magic" },
		"inverted thresholds": func(cfg *Config) { cfg.Compression.Importance.Low = 0.8 },
		"zero replan cap":     func(cfg *Config) { cfg.Pipeline.MaxReplans = 0 },
		"unknown provider":    func(cfg *Config) { cfg.LLM.Provider = "bard" },
		"mysql without dsn":   func(cfg *Config) { cfg.Task.Store.Driver = "mysql" },
		"redis queue address": func(cfg *Config) { cfg.Task.Queue.Driver = "redis" },
		"amqp events url":     func(cfg *Config) { cfg.Events.AMQP.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationAcceptsSecondsAndStrings(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, d.UnmarshalJSON([]byte(`12`)))
	assert.Equal(t, 12*time.Second, d.Std())
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	out, err := Duration(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))
}
