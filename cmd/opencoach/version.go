package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X main.version=..." by release builds;
// "dev" covers local builds and go install from source.
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the opencoach version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("opencoach %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
}
