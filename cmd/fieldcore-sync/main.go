// Command fieldcore-sync inspects and maintains a fieldcore offline
// database: sync state, manual drains, retry and cleanup of the action log,
// and data export.
package main

import (
	"fmt"
	"os"

	"fieldcore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
