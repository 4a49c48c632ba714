// Command tracelog runs tracker contexts, simulates multi-tab scenarios and
// inspects persisted tracker state.
package main

import (
	"fmt"
	"os"

	"github.com/nacorga/tracelog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
