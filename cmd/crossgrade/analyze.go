package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var analyzeConfig string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run pre-flight checks and print the conversion plan without changing anything",
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeConfig, "config", "/etc/crossgrade/config.yaml", "Config file path")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	orch, _, cleanup, err := setup(analyzeConfig, "", nil)
	if err != nil {
		return err
	}
	defer cleanup()

	rep, err := orch.Analyze(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(reportMarkdown(rep)))
	if rep.Inhibited() {
		return &exitCodeError{code: 2, err: errors.New("conversion inhibited")}
	}
	return nil
}
