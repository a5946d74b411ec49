package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"TaskPilot/internal/agent"
	"TaskPilot/internal/events"
)

var (
	askJSON   bool
	askQuiet  bool
	askWindow int
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Run a single request and print progress events and the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if askWindow > 0 {
			cfg.LLM.ContextWindow = askWindow
		}

		var sinks []events.Sink
		if !askQuiet {
			sinks = append(sinks, progressSink(cmd.ErrOrStderr()))
		}
		rt, err := buildRuntime(cmd.Context(), cfg, sinks...)
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := rt.agent.Execute(cmd.Context(), agent.TaskRequest{Query: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), result, askJSON)
	},
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full result as JSON")
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "do not print progress events")
	askCmd.Flags().IntVar(&askWindow, "window", 0, "override the model context window in tokens")
}

// progressSink 把进度事件逐行写到 w。
func progressSink(w io.Writer) events.Sink {
	return events.SinkFunc(func(_ context.Context, event events.Event) error {
		_, err := fmt.Fprintln(w, formatEvent(event))
		return err
	})
}

func formatEvent(event events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", event.Seq, event.Type)
	if event.StepIndex >= 0 && event.TotalSteps > 0 {
		fmt.Fprintf(&b, " %d/%d", event.StepIndex+1, event.TotalSteps)
	}
	if event.Message != "" && event.Type != events.TypeFinalAnswer {
		fmt.Fprintf(&b, ": %s", oneLine(event.Message, 120))
	}
	return b.String()
}

func oneLine(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

func printResult(w io.Writer, result *agent.TaskResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if _, err := fmt.Fprintln(w, result.Answer); err != nil {
		return err
	}
	if result.Incomplete {
		_, err := fmt.Fprintf(w, "\n(incomplete: %s)\n", result.IncompleteReason)
		return err
	}
	return nil
}
