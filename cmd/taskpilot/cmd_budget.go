package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"TaskPilot/internal/budget"
)

var budgetWindow int

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Print the per-component token budgets for a context window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		window := cfg.LLM.ContextWindow
		if budgetWindow > 0 {
			window = budgetWindow
		}
		fractions, err := cfg.BudgetFractions()
		if err != nil {
			return err
		}
		table, err := budget.NewTable(window, fractions, cfg.Budget.Floor)
		if err != nil {
			return err
		}
		return printBudgets(cmd.OutOrStdout(), table)
	},
}

func init() {
	budgetCmd.Flags().IntVar(&budgetWindow, "window", 0, "context window in tokens (default: llm.context_window)")
}

func printBudgets(w io.Writer, table *budget.Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "KIND\tFRACTION\tLIMIT\n")
	for _, b := range table.Snapshot() {
		fmt.Fprintf(tw, "%s\t%.2f\t%d\n", b.Kind, b.Fraction, b.Limit())
	}
	fmt.Fprintf(tw, "window\t\t%d\n", table.Window())
	return tw.Flush()
}
