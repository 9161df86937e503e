// Command atlasbridge supervises an interactive CLI coding agent inside
// a pseudoterminal and relays its input prompts to a human over a chat
// platform. See `atlasbridge --help` for the subcommand surface.
package main

import (
	"os"

	"github.com/atlasbridge/atlasbridge/cmd/atlasbridge/commands"
)

func main() {
	os.Exit(commands.Execute())
}
