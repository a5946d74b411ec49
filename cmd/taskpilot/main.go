// Command taskpilot runs the execution orchestrator as an HTTP service or as
// a one-shot CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"TaskPilot/internal/config"
	"TaskPilot/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "taskpilot",
	Short:         "LLM execution orchestrator with fast path, plan pipeline and token budgets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $"+config.EnvConfigPath+")")
	rootCmd.AddCommand(serveCmd, askCmd, budgetCmd)
}

// main 是 taskpilot 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskpilot: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取 --config 指定的文件，未指定时回退到环境变量与默认值，并初始化日志。
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
