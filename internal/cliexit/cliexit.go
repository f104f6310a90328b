// Package cliexit maps runtime errors to the process exit codes spec.md §6
// fixes: 0 clean, 1 user/config error, 2 runtime error. Every cmd/opencoach
// subcommand funnels its terminal error through Handle so the mapping is
// applied in exactly one place.
package cliexit

import (
	"fmt"
	"os"

	"github.com/xonecas/opencoach/internal/errkind"
)

// Code is one of the three exit codes the CLI surface guarantees.
type Code int

const (
	Clean      Code = 0
	UserError  Code = 1
	RuntimeErr Code = 2
)

// FromErr classifies err into an exit Code. Validation and permission
// failures are things the user caused (bad flags, a denied tool, malformed
// config) and map to UserError; everything else — provider errors,
// execution failures, timeouts, internal bugs — maps to RuntimeErr.
func FromErr(err error) Code {
	if err == nil {
		return Clean
	}
	switch errkind.Of(err) {
	case errkind.Validation, errkind.PermissionDenied:
		return UserError
	default:
		return RuntimeErr
	}
}

// Handle prints err to stderr (if non-nil) and exits the process with the
// code FromErr derives. Call it once, from main, around the cobra command's
// returned error — never from inside a RunE, which should just return the
// error and let main decide the exit code.
func Handle(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(int(FromErr(err)))
}
