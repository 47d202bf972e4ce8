// Orch is a CLI task orchestrator: it executes plans of subprocess
// invocations with bounded parallelism, durable state and crash-safe
// resumption.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/orch-dev/orch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
