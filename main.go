// Command gasoline runs the durable workflow engine's worker/sweeper
// process, or a one-shot dispatch/signal/status command against the
// same on-disk store.
package main

import (
	"fmt"
	"os"

	"github.com/evalgo/gasoline/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
