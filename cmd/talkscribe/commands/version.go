package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version metadata, overridden at build time:
//
//	go build -ldflags "-X github.com/talkscribe/talkscribe/cmd/talkscribe/commands.version=v0.3.0"
var (
	version = "dev"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("talkscribe %s", version)
		if commit != "" {
			fmt.Printf(" (%s)", commit)
		}
		fmt.Printf(" %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
