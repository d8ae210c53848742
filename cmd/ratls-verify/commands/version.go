package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X .../commands.version=..." at build
// time; it defaults to "dev" for local builds.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the verifier version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
