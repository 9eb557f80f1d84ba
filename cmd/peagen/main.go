// Command peagen generates project files from a projects payload in
// dependency order.
package main

import (
	"fmt"
	"os"

	"github.com/swarmauri/peagen/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
