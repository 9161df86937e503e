package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/control"
)

var pauseSessionLabel string

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Force a running session's autopilot to escalate every prompt",
	RunE:  runPause,
}

func init() {
	pauseCmd.Flags().StringVar(&pauseSessionLabel, "session-label", "", "Session label passed to `run --session-label`")
}

func runPause(cmd *cobra.Command, args []string) error {
	resp, err := control.Send(control.DefaultSocketPath(os.TempDir(), pauseSessionLabel), control.Request{Command: "pause"})
	if err != nil {
		return withExitCode(ExitNetwork, err)
	}
	if !resp.OK {
		return withExitCode(ExitGeneralError, fmt.Errorf("%s", resp.Error))
	}
	fmt.Printf("paused (autonomy_mode=%s)\n", resp.AutonomyMode)
	return nil
}
