package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "crossgrade",
	Short:         "Convert a running Linux system to its target distribution in place",
	Long:          "crossgrade converts a running installation of a supported distribution into the target distribution in place: it swaps package sources, replaces branding packages, reconfigures the bootloader, and registers the system with the entitlement service. The machine ends either fully converted or restored to its original state.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("crossgrade v0.1.0")
	},
}

// exitCodeError carries a process exit code decided by a terminal
// conversion state.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, styleError.Render(err.Error()))
	var ee *exitCodeError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(1)
}
