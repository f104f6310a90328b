// Command opencoach is the CLI surface SPEC_FULL.md §6 describes: a bare
// interactive subcommand backed by the local Backend Abstraction (C11)
// transport, a headless `serve` subcommand exposing the remote transport
// and MCP Bridge (C10) together, and `version`/`upgrade` utility
// subcommands — all funneling their terminal error through internal/cliexit
// so the process exit code matches spec.md §6 regardless of which
// subcommand ran.
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xonecas/opencoach/internal/cliexit"
	"github.com/xonecas/opencoach/internal/errkind"
)

func main() {
	root := newRootCmd()
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newUpgradeCmd())
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errkind.Validation, err)
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		cliexit.Handle(err)
	}
}
