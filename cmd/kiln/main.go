// Command kiln is the CLI entry point wiring cobra onto the ops.Ops
// facade, mirroring the teacher's cmd/registry/main.go (and the newer
// cobra-based registry/registry.go) at a much smaller surface: one
// config file, one set of subcommands, no HTTP server of its own beyond
// the optional debug listener.
package main

import (
	"fmt"
	"os"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(kilnerrors.ExitCode(err))
	}
}
