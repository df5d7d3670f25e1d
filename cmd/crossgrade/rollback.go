package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crossgrade/crossgrade/internal/applock"
)

var rollbackConfig string

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the system from the backup records of an interrupted run",
	RunE:  runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackConfig, "config", "/etc/crossgrade/config.yaml", "Config file path")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	orch, cfg, cleanup, err := setup(rollbackConfig, "", nil)
	if err != nil {
		return err
	}
	defer cleanup()

	lock, err := applock.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := orch.ResumeRollback(cmd.Context()); err != nil {
		return &exitCodeError{code: 4, err: err}
	}
	fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("Rollback complete; the system is back in its original state."))
	return nil
}
