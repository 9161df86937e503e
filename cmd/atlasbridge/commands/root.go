// Package commands implements the atlasbridge CLI surface: `run`,
// `pause`, `resume`, `policy validate`, `policy test`.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
)

// Exit codes returned by Execute.
const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitConfiguration = 2
	ExitEnvironment   = 3
	ExitNetwork       = 4
	ExitInterrupted   = 130
)

var (
	flagLogLevel  string
	flagJSON      bool
	flagConfigDir string
)

var rootCmd = &cobra.Command{
	Use:   "atlasbridge",
	Short: "Supervise an interactive CLI coding agent and relay its prompts to chat",
	Long: `atlasbridge runs an interactive CLI coding agent (e.g. Claude Code) inside a
pseudoterminal, detects when it pauses waiting for input, and relays that
pause to a human over Telegram or Slack. A policy file can auto-answer
prompts matching allow-listed rules without waiting on a human.

Run 'atlasbridge run <tool>' to start a supervised session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log, err := atlaslog.New(atlaslog.Config{
			Level:  flagLogLevel,
			Format: formatFor(flagJSON),
			OutputPath: "stderr",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "atlasbridge: failed to initialize logging: %v\n", err)
			os.Exit(ExitConfiguration)
		}
		atlaslog.SetDefault(log)
	},
}

func formatFor(jsonOutput bool) string {
	if jsonOutput {
		return "json"
	}
	return "console"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config", "", "Directory containing config.yaml")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(policyCmd)
}

// Execute runs the root command and returns the process exit code; it
// never calls os.Exit itself so tests can invoke it directly.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "atlasbridge: %v\n", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}
