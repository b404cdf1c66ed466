// Command settingsctl drives the settings E2E environment from a shell: it
// runs the variant proxy, flips identity service configuration, reads the
// mail catcher, and manages test identities.
package main

import (
	"fmt"
	"os"

	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/obs"
)

func main() {
	obs.Init()
	root := newRootCmd(os.Stdout, config.Load)
	if err := root.Execute(); err != nil {
		obs.Pkg("settingsctl").Error("command_failed", "error", err, "code", string(errs.CodeOf(err)))
		fmt.Fprintln(os.Stderr, "settingsctl:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error codes onto sysexits(3) values.
func exitCode(err error) int {
	switch errs.CodeOf(err) {
	case errs.Unavailable, errs.DeadlineExceeded:
		return 75 // EX_TEMPFAIL
	case errs.InvalidArgument:
		return 64 // EX_USAGE
	default:
		return 1
	}
}
