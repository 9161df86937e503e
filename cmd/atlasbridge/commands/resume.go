package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/control"
)

var resumeSessionLabel string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Restore a paused session's configured autopilot",
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeSessionLabel, "session-label", "", "Session label passed to `run --session-label`")
}

func runResume(cmd *cobra.Command, args []string) error {
	resp, err := control.Send(control.DefaultSocketPath(os.TempDir(), resumeSessionLabel), control.Request{Command: "resume"})
	if err != nil {
		return withExitCode(ExitNetwork, err)
	}
	if !resp.OK {
		return withExitCode(ExitGeneralError, fmt.Errorf("%s", resp.Error))
	}
	fmt.Printf("resumed (autonomy_mode=%s)\n", resp.AutonomyMode)
	return nil
}
